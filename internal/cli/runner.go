// Package cli implements the re-entrant command runner shared by the
// shell entry point and the tool server. Every invocation takes an
// argv slice and produces output plus an exit code: readable text by
// default, the JSON envelope under --format json. Tool calls behave
// exactly like the equivalent shell command: same cache, same wake
// handling, same error taxonomy.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/voltgate/voltgate/internal/cache"
	"github.com/voltgate/voltgate/internal/fleet"
)

// Result is the outcome of one invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Invocation carries the parsed arguments of one command.
type Invocation struct {
	Command string
	VIN     string
	Args    []string
	Wake    bool
	Format  string
}

type commandFunc func(ctx context.Context, inv *Invocation) (any, error)

// Option configures a Runner.
type Option func(*Runner)

// WithCache attaches the response cache.
func WithCache(c *cache.Store) Option {
	return func(r *Runner) { r.cache = c }
}

// WithWaker replaces the default wake helper.
func WithWaker(w *fleet.Waker) Option {
	return func(r *Runner) { r.waker = w }
}

// WithDefaultVIN sets the vehicle used when --vin is absent.
func WithDefaultVIN(vin string) Option {
	return func(r *Runner) { r.vin = vin }
}

// Runner executes argv slices against the fleet API.
type Runner struct {
	client *fleet.Client
	cache  *cache.Store
	waker  *fleet.Waker
	vin    string
	log    *slog.Logger

	commands map[string]commandFunc
}

// NewRunner builds a Runner around a fleet client.
func NewRunner(client *fleet.Client, opts ...Option) *Runner {
	r := &Runner{
		client: client,
		log:    slog.Default().With("component", "cli"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.waker == nil {
		r.waker = fleet.NewWaker(client)
	}
	r.register()
	return r
}

// Commands returns the registered command paths.
func (r *Runner) Commands() []string {
	out := make([]string, 0, len(r.commands))
	for name := range r.commands {
		out = append(out, name)
	}
	return out
}

// Run parses argv, executes the named command, and returns the JSON
// envelope. Exit codes: 0 success, 1 command failure, 2 usage error.
func (r *Runner) Run(ctx context.Context, argv []string) Result {
	inv, err := r.parse(argv)
	if err != nil {
		return r.fail(inv, 2, "usage", err)
	}

	fn, ok := r.commands[inv.Command]
	if !ok {
		return r.fail(inv, 2, "usage", fmt.Errorf("unknown command %q", inv.Command))
	}

	data, err := fn(ctx, inv)
	if err != nil {
		return r.fail(inv, 1, errorCode(err), err)
	}
	return r.succeed(inv, data)
}

func (r *Runner) parse(argv []string) (*Invocation, error) {
	inv := &Invocation{VIN: r.vin, Format: "text"}

	fs := pflag.NewFlagSet("voltgate", pflag.ContinueOnError)
	fs.SetOutput(discard{})
	fs.StringVar(&inv.Format, "format", inv.Format, "output format (text|json)")
	fs.StringVar(&inv.VIN, "vin", inv.VIN, "vehicle identification number")
	fs.BoolVar(&inv.Wake, "wake", false, "wake the vehicle when asleep")
	if err := fs.Parse(argv); err != nil {
		return inv, err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return inv, errors.New("no command given")
	}
	if len(rest) >= 2 {
		if _, ok := r.commands[rest[0]+" "+rest[1]]; ok {
			inv.Command = rest[0] + " " + rest[1]
			inv.Args = rest[2:]
			return inv, nil
		}
	}
	inv.Command = rest[0]
	inv.Args = rest[1:]
	return inv, nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// envelope is the JSON-mode output shape.
type envelope struct {
	OK        bool           `json:"ok"`
	Command   string         `json:"command"`
	Data      any            `json:"data,omitempty"`
	Error     *envelopeError `json:"error,omitempty"`
	Timestamp string         `json:"timestamp"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r *Runner) succeed(inv *Invocation, data any) Result {
	if inv.Format != "json" {
		return Result{Stdout: renderText(data)}
	}
	out, err := json.Marshal(envelope{
		OK:        true,
		Command:   inv.Command,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return r.fail(inv, 1, "internal", err)
	}
	return Result{Stdout: append(out, '\n')}
}

// fail reports the error on stderr; JSON mode additionally emits the
// failure envelope on stdout.
func (r *Runner) fail(inv *Invocation, code int, errCode string, err error) Result {
	res := Result{Stderr: []byte(err.Error() + "\n"), ExitCode: code}
	if inv == nil || inv.Format != "json" {
		return res
	}
	out, _ := json.Marshal(envelope{
		OK:        false,
		Command:   inv.Command,
		Error:     &envelopeError{Code: errCode, Message: err.Error()},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	res.Stdout = append(out, '\n')
	return res
}

// renderText flattens the command result into sorted key: value
// lines, indenting nested sections. This is the shell-facing default;
// agents and scripts ask for --format json.
func renderText(data any) []byte {
	if data == nil {
		return []byte("ok\n")
	}
	var b bytes.Buffer
	writeText(&b, "", data)
	if b.Len() == 0 {
		b.WriteString("ok\n")
	}
	return b.Bytes()
}

func writeText(b *bytes.Buffer, indent string, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if child, ok := val[k].(map[string]any); ok {
				fmt.Fprintf(b, "%s%s:\n", indent, k)
				writeText(b, indent+"  ", child)
				continue
			}
			fmt.Fprintf(b, "%s%s: %s\n", indent, k, textValue(val[k]))
		}
	case []any:
		for _, item := range val {
			if child, ok := item.(map[string]any); ok {
				fmt.Fprintf(b, "%s-\n", indent)
				writeText(b, indent+"  ", child)
				continue
			}
			fmt.Fprintf(b, "%s- %s\n", indent, textValue(item))
		}
	default:
		fmt.Fprintf(b, "%s%s\n", indent, textValue(v))
	}
}

func textValue(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string, bool, int, int64, float64, json.Number:
		return fmt.Sprint(v)
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(out)
	}
}

func errorCode(err error) string {
	var (
		asleep  *fleet.VehicleAsleepError
		rate    *fleet.RateLimitError
		origin  *fleet.OriginMismatchError
		keyErr  *fleet.KeyNotFetchableError
		scopes  *fleet.MissingScopesError
		generic *fleet.APIError
	)
	switch {
	case errors.As(err, &asleep):
		return "vehicle_asleep"
	case errors.As(err, &rate):
		return "rate_limited"
	case errors.As(err, &origin):
		return "origin_mismatch"
	case errors.As(err, &keyErr):
		return "key_not_fetchable"
	case errors.As(err, &scopes):
		return "missing_scopes"
	case errors.As(err, &generic):
		return "api_error"
	default:
		return "error"
	}
}

// requireVIN guards vehicle-scoped commands.
func requireVIN(inv *Invocation) error {
	if inv.VIN == "" {
		return errors.New("a vehicle is required: pass --vin")
	}
	return nil
}

// snapshot returns the vehicle snapshot, serving the cache when fresh
// and refreshing it otherwise.
func (r *Runner) snapshot(ctx context.Context, inv *Invocation) (map[string]any, error) {
	if err := requireVIN(inv); err != nil {
		return nil, err
	}
	if r.cache != nil {
		if entry, ok := r.cache.Get(inv.VIN); ok {
			return entry.Data, nil
		}
	}

	fetch := func(ctx context.Context) (map[string]any, error) {
		return r.client.VehicleData(ctx, inv.VIN, nil)
	}
	var data map[string]any
	var err error
	if inv.Wake {
		data, err = r.waker.AutoWake(ctx, inv.VIN, fetch)
	} else {
		data, err = fetch(ctx)
	}
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.Put(inv.VIN, data, 0); err != nil {
			r.log.Warn("cache write failed", "vin", inv.VIN, "error", err)
		}
	}
	return data, nil
}

// section extracts one nested snapshot section.
func section(data map[string]any, name string) map[string]any {
	sec, _ := data[name].(map[string]any)
	if sec == nil {
		return map[string]any{}
	}
	return sec
}

// command executes one vehicle command, waking and retrying once when
// --wake is set, then invalidates the cached snapshot.
func (r *Runner) command(ctx context.Context, inv *Invocation, name string, body map[string]any) (any, error) {
	if err := requireVIN(inv); err != nil {
		return nil, err
	}

	resp, err := r.client.ExecuteCommand(ctx, inv.VIN, name, body)
	if err != nil {
		var asleep *fleet.VehicleAsleepError
		if !inv.Wake || !errors.As(err, &asleep) {
			return nil, err
		}
		if err := r.waker.WakeAndWait(ctx, inv.VIN); err != nil {
			return nil, err
		}
		resp, err = r.client.ExecuteCommand(ctx, inv.VIN, name, body)
		if err != nil {
			return nil, err
		}
	}

	if r.cache != nil {
		if err := r.cache.Clear(inv.VIN); err != nil {
			r.log.Warn("cache invalidation failed", "vin", inv.VIN, "error", err)
		}
	}

	reason := resp.Reason
	if reason == "" {
		reason = "ok"
	}
	return map[string]any{"result": resp.Result, "reason": reason}, nil
}

// get proxies a read-only fleet endpoint, substituting {vin} in the
// path.
func (r *Runner) get(path string, vinScoped bool) commandFunc {
	return func(ctx context.Context, inv *Invocation) (any, error) {
		p := path
		if vinScoped {
			if err := requireVIN(inv); err != nil {
				return nil, err
			}
			p = strings.ReplaceAll(p, "{vin}", inv.VIN)
		}
		return r.client.Get(ctx, p, nil)
	}
}

// argFloat reads a required numeric positional argument.
func argFloat(inv *Invocation, pos int, name string) (float64, error) {
	if len(inv.Args) <= pos {
		return 0, fmt.Errorf("%s: missing %s argument", inv.Command, name)
	}
	var f float64
	if _, err := fmt.Sscanf(inv.Args[pos], "%g", &f); err != nil {
		return 0, fmt.Errorf("%s: %s must be numeric", inv.Command, name)
	}
	return f, nil
}

// argString reads a required positional argument.
func argString(inv *Invocation, pos int, name string) (string, error) {
	if len(inv.Args) <= pos {
		return "", fmt.Errorf("%s: missing %s argument", inv.Command, name)
	}
	return inv.Args[pos], nil
}

// argBool reads an optional on/off argument, defaulting to on.
func argBool(inv *Invocation, pos int) bool {
	if len(inv.Args) <= pos {
		return true
	}
	switch strings.ToLower(inv.Args[pos]) {
	case "off", "false", "0", "no":
		return false
	default:
		return true
	}
}
