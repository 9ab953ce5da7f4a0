package telemetry

import (
	"fmt"
	"sort"
	"strings"
)

// fieldNames maps the wire field enum to human-readable names. IDs and
// names match the upstream vehicle_data.proto Field enum exactly.
// Excluded: Unknown (0), Deprecated_1-3 (162, 100, 257) and the
// Experimental_* range (119-122, 168-178).
var fieldNames = map[int32]string{
	// Drive / Motion
	1:   "DriveRail",
	4:   "VehicleSpeed",
	5:   "Odometer",
	10:  "Gear",
	12:  "PedalPosition",
	13:  "BrakePedal",
	21:  "Location",
	22:  "GpsState",
	23:  "GpsHeading",
	98:  "LateralAcceleration",
	99:  "LongitudinalAcceleration",
	101: "CruiseSetSpeed",
	106: "BrakePedalPos",
	126: "CruiseFollowDistance",
	129: "SpeedLimitWarning",
	// Battery / Energy
	6:   "PackVoltage",
	7:   "PackCurrent",
	8:   "Soc",
	9:   "DCDCEnable",
	11:  "IsolationResistance",
	24:  "NumBrickVoltageMax",
	25:  "BrickVoltageMax",
	26:  "NumBrickVoltageMin",
	27:  "BrickVoltageMin",
	28:  "NumModuleTempMax",
	29:  "ModuleTempMax",
	30:  "NumModuleTempMin",
	31:  "ModuleTempMin",
	32:  "RatedRange",
	33:  "Hvil",
	40:  "EstBatteryRange",
	41:  "IdealBatteryRange",
	42:  "BatteryLevel",
	55:  "BatteryHeaterOn",
	56:  "NotEnoughPowerToHeat",
	102: "LifetimeEnergyUsed",
	103: "LifetimeEnergyUsedDrive",
	134: "LifetimeEnergyGainedRegen",
	158: "EnergyRemaining",
	160: "BMSState",
	// Charging
	2:   "ChargeState",
	3:   "BmsFullchargecomplete",
	34:  "DCChargingEnergyIn",
	35:  "DCChargingPower",
	36:  "ACChargingEnergyIn",
	37:  "ACChargingPower",
	38:  "ChargeLimitSoc",
	39:  "FastChargerPresent",
	43:  "TimeToFullCharge",
	44:  "ScheduledChargingStartTime",
	45:  "ScheduledChargingPending",
	46:  "ScheduledDepartureTime",
	47:  "PreconditioningEnabled",
	48:  "ScheduledChargingMode",
	49:  "ChargeAmps",
	50:  "ChargeEnableRequest",
	51:  "ChargerPhases",
	52:  "ChargePortColdWeatherMode",
	53:  "ChargeCurrentRequest",
	54:  "ChargeCurrentRequestMax",
	57:  "SuperchargerSessionTripPlanner",
	117: "ChargePort",
	118: "ChargePortLatch",
	179: "DetailedChargeState",
	183: "ChargePortDoorOpen",
	184: "ChargerVoltage",
	185: "ChargingCableType",
	190: "EstimatedHoursToChargeTermination",
	193: "FastChargerType",
	256: "ChargeRateMilePerHour",
	// Climate / HVAC
	85:  "InsideTemp",
	86:  "OutsideTemp",
	87:  "SeatHeaterLeft",
	88:  "SeatHeaterRight",
	89:  "SeatHeaterRearLeft",
	90:  "SeatHeaterRearRight",
	91:  "SeatHeaterRearCenter",
	92:  "AutoSeatClimateLeft",
	93:  "AutoSeatClimateRight",
	186: "ClimateKeeperMode",
	187: "DefrostForPreconditioning",
	188: "DefrostMode",
	196: "HvacACEnabled",
	197: "HvacAutoMode",
	198: "HvacFanSpeed",
	199: "HvacFanStatus",
	200: "HvacLeftTemperatureRequest",
	201: "HvacPower",
	202: "HvacRightTemperatureRequest",
	203: "HvacSteeringWheelHeatAuto",
	204: "HvacSteeringWheelHeatLevel",
	211: "RearDisplayHvacEnabled",
	237: "ClimateSeatCoolingFrontLeft",
	238: "ClimateSeatCoolingFrontRight",
	254: "SeatVentEnabled",
	255: "RearDefrostEnabled",
	180: "CabinOverheatProtectionMode",
	181: "CabinOverheatProtectionTemperatureLimit",
	// Security / Doors / Windows
	58:  "DoorState",
	59:  "Locked",
	60:  "FdWindow",
	61:  "FpWindow",
	62:  "RdWindow",
	63:  "RpWindow",
	64:  "VehicleName",
	65:  "SentryMode",
	66:  "SpeedLimitMode",
	67:  "CurrentLimitMph",
	68:  "Version",
	94:  "DriverSeatBelt",
	95:  "PassengerSeatBelt",
	96:  "DriverSeatOccupied",
	123: "GuestModeEnabled",
	124: "PinToDriveEnabled",
	125: "PairedPhoneKeyAndKeyFobQty",
	159: "ServiceMode",
	161: "GuestModeMobileAccessState",
	182: "CenterDisplay",
	213: "RemoteStartEnabled",
	226: "ValetModeEnabled",
	// Tires
	69:  "TpmsPressureFl",
	70:  "TpmsPressureFr",
	71:  "TpmsPressureRl",
	72:  "TpmsPressureRr",
	81:  "TpmsLastSeenPressureTimeFl",
	82:  "TpmsLastSeenPressureTimeFr",
	83:  "TpmsLastSeenPressureTimeRl",
	84:  "TpmsLastSeenPressureTimeRr",
	224: "TpmsHardWarnings",
	225: "TpmsSoftWarnings",
	// Drive inverter (per-motor diagnostics)
	14:  "DiStateR",
	15:  "DiHeatsinkTR",
	16:  "DiAxleSpeedR",
	17:  "DiTorquemotor",
	18:  "DiStatorTempR",
	19:  "DiVBatR",
	20:  "DiMotorCurrentR",
	135: "DiStateF",
	136: "DiStateREL",
	137: "DiStateRER",
	138: "DiHeatsinkTF",
	139: "DiHeatsinkTREL",
	140: "DiHeatsinkTRER",
	141: "DiAxleSpeedF",
	142: "DiAxleSpeedREL",
	143: "DiAxleSpeedRER",
	144: "DiSlaveTorqueCmd",
	145: "DiTorqueActualR",
	146: "DiTorqueActualF",
	147: "DiTorqueActualREL",
	148: "DiTorqueActualRER",
	149: "DiStatorTempF",
	150: "DiStatorTempREL",
	151: "DiStatorTempRER",
	152: "DiVBatF",
	153: "DiVBatREL",
	154: "DiVBatRER",
	155: "DiMotorCurrentF",
	156: "DiMotorCurrentREL",
	157: "DiMotorCurrentRER",
	164: "DiInverterTR",
	165: "DiInverterTF",
	166: "DiInverterTREL",
	167: "DiInverterTRER",
	// Navigation / Route
	107: "RouteLastUpdated",
	108: "RouteLine",
	109: "MilesToArrival",
	110: "MinutesToArrival",
	111: "OriginLocation",
	112: "DestinationLocation",
	163: "DestinationName",
	215: "RouteTrafficMinutesDelay",
	192: "ExpectedEnergyPercentAtTripArrival",
	// Vehicle info / config
	113: "CarType",
	114: "Trim",
	115: "ExteriorColor",
	116: "RoofColor",
	189: "EfficiencyPackage",
	191: "EuropeVehicle",
	214: "RightHandDrive",
	227: "WheelType",
	228: "WiperHeatEnabled",
	// Safety / ADAS
	127: "AutomaticBlindSpotCamera",
	128: "BlindSpotCollisionWarningChime",
	130: "ForwardCollisionWarning",
	131: "LaneDepartureAvoidance",
	132: "EmergencyLaneDepartureAvoidance",
	133: "AutomaticEmergencyBrakingOff",
	// Powershare
	206: "PowershareHoursLeft",
	207: "PowershareInstantaneousPowerKW",
	208: "PowershareStatus",
	209: "PowershareStopReason",
	210: "PowershareType",
	// Homelink
	194: "HomelinkDeviceCount",
	195: "HomelinkNearby",
	// Software updates
	216: "SoftwareUpdateDownloadPercentComplete",
	217: "SoftwareUpdateExpectedDurationMinutes",
	218: "SoftwareUpdateInstallationPercentComplete",
	219: "SoftwareUpdateScheduledStartTime",
	220: "SoftwareUpdateVersion",
	// Tonneau
	221: "TonneauOpenPercent",
	222: "TonneauPosition",
	223: "TonneauTentMode",
	// Location context
	229: "LocatedAtHome",
	230: "LocatedAtWork",
	231: "LocatedAtFavorite",
	// Settings
	232: "SettingDistanceUnit",
	233: "SettingTemperatureUnit",
	234: "Setting24HourTime",
	235: "SettingTirePressureUnit",
	236: "SettingChargeUnit",
	// Lights
	239: "LightsHazardsActive",
	240: "LightsTurnSignal",
	241: "LightsHighBeams",
	// Media
	242: "MediaPlaybackStatus",
	243: "MediaPlaybackSource",
	244: "MediaAudioVolume",
	245: "MediaNowPlayingDuration",
	246: "MediaNowPlayingElapsed",
	247: "MediaNowPlayingArtist",
	248: "MediaNowPlayingTitle",
	249: "MediaNowPlayingAlbum",
	250: "MediaNowPlayingStation",
	251: "MediaAudioVolumeIncrement",
	252: "MediaAudioVolumeMax",
	// Misc
	205: "OffroadLightbarPresent",
	212: "RearSeatHeaters",
	253: "SunroofInstalled",
	258: "MilesSinceReset",
	259: "SelfDrivingMilesSinceReset",
	// Semi-truck (present in the proto, excluded from presets)
	73:  "SemitruckTpmsPressureRe1L0",
	74:  "SemitruckTpmsPressureRe1L1",
	75:  "SemitruckTpmsPressureRe1R0",
	76:  "SemitruckTpmsPressureRe1R1",
	77:  "SemitruckTpmsPressureRe2L0",
	78:  "SemitruckTpmsPressureRe2L1",
	79:  "SemitruckTpmsPressureRe2R0",
	80:  "SemitruckTpmsPressureRe2R1",
	97:  "SemitruckPassengerSeatFoldPosition",
	104: "SemitruckTractorParkBrakeStatus",
	105: "SemitruckTrailerParkBrakeStatus",
}

var fieldIDs = func() map[string]int32 {
	m := make(map[string]int32, len(fieldNames))
	for id, name := range fieldNames {
		m[name] = id
	}
	return m
}()

// FieldName resolves a wire field id to its canonical name. Unknown
// ids render as "Unknown(<id>)" so frames stay inspectable when the
// proto gains new fields.
func FieldName(id int32) string {
	if name, ok := fieldNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", id)
}

// FieldID resolves a canonical field name back to its wire id.
func FieldID(name string) (int32, bool) {
	id, ok := fieldIDs[name]
	return id, ok
}

// FieldConfig holds the streaming configuration for one field.
type FieldConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// nonStreamable holds fields excluded from the "all" preset:
// semi-truck fields never stream on consumer vehicles,
// LifetimeEnergyGainedRegen returns unsupported_field on many, and the
// MilesSinceReset pair requires minimum_delta config instead of
// interval_seconds.
var nonStreamable = func() map[string]struct{} {
	m := map[string]struct{}{
		"LifetimeEnergyGainedRegen":  {},
		"MilesSinceReset":            {},
		"SelfDrivingMilesSinceReset": {},
	}
	for _, name := range fieldNames {
		if strings.HasPrefix(name, "Semitruck") {
			m[name] = struct{}{}
		}
	}
	return m
}()

var defaultFields = map[string]FieldConfig{
	"Soc":          {IntervalSeconds: 10},
	"VehicleSpeed": {IntervalSeconds: 1},
	"Location":     {IntervalSeconds: 5},
	"ChargeState":  {IntervalSeconds: 10},
	"InsideTemp":   {IntervalSeconds: 30},
	"OutsideTemp":  {IntervalSeconds: 60},
	"Odometer":     {IntervalSeconds: 60},
	"BatteryLevel": {IntervalSeconds: 10},
	"Gear":         {IntervalSeconds: 1},
	"PackVoltage":  {IntervalSeconds: 10},
	"PackCurrent":  {IntervalSeconds: 10},
}

// Presets groups commonly-used field sets with polling intervals
// suited to each use case.
var Presets = map[string]map[string]FieldConfig{
	"default": defaultFields,
	"driving": {
		"VehicleSpeed":             {IntervalSeconds: 1},
		"Location":                 {IntervalSeconds: 1},
		"Gear":                     {IntervalSeconds: 1},
		"GpsHeading":               {IntervalSeconds: 1},
		"Odometer":                 {IntervalSeconds: 10},
		"BatteryLevel":             {IntervalSeconds: 10},
		"Soc":                      {IntervalSeconds: 10},
		"PackCurrent":              {IntervalSeconds: 5},
		"PackVoltage":              {IntervalSeconds: 5},
		"CruiseSetSpeed":           {IntervalSeconds: 5},
		"LateralAcceleration":      {IntervalSeconds: 5},
		"LongitudinalAcceleration": {IntervalSeconds: 5},
		"BrakePedalPos":            {IntervalSeconds: 5},
		"PedalPosition":            {IntervalSeconds: 5},
	},
	"charging": {
		"Soc":                {IntervalSeconds: 5},
		"BatteryLevel":       {IntervalSeconds: 5},
		"PackVoltage":        {IntervalSeconds: 5},
		"PackCurrent":        {IntervalSeconds: 5},
		"ChargeState":        {IntervalSeconds: 5},
		"ChargeAmps":         {IntervalSeconds: 5},
		"ChargerVoltage":     {IntervalSeconds: 5},
		"ChargerPhases":      {IntervalSeconds: 30},
		"ACChargingPower":    {IntervalSeconds: 5},
		"DCChargingPower":    {IntervalSeconds: 5},
		"TimeToFullCharge":   {IntervalSeconds: 30},
		"ChargeLimitSoc":     {IntervalSeconds: 60},
		"ChargePortDoorOpen": {IntervalSeconds: 60},
		"BatteryHeaterOn":    {IntervalSeconds: 30},
		"InsideTemp":         {IntervalSeconds: 60},
	},
	"climate": {
		"InsideTemp":                  {IntervalSeconds: 10},
		"OutsideTemp":                 {IntervalSeconds: 30},
		"HvacLeftTemperatureRequest":  {IntervalSeconds: 30},
		"HvacRightTemperatureRequest": {IntervalSeconds: 30},
		"HvacPower":                   {IntervalSeconds: 10},
		"HvacFanStatus":               {IntervalSeconds: 10},
		"SeatHeaterLeft":              {IntervalSeconds: 30},
		"SeatHeaterRight":             {IntervalSeconds: 30},
		"HvacSteeringWheelHeatLevel":  {IntervalSeconds: 30},
		"CabinOverheatProtectionMode": {IntervalSeconds: 60},
		"DefrostMode":                 {IntervalSeconds: 30},
		"PreconditioningEnabled":      {IntervalSeconds: 30},
	},
	"all": func() map[string]FieldConfig {
		m := make(map[string]FieldConfig)
		for _, name := range fieldNames {
			if _, skip := nonStreamable[name]; !skip {
				m[name] = FieldConfig{IntervalSeconds: 30}
			}
		}
		return m
	}(),
}

// ResolveFields resolves a --fields argument to a field configuration
// map. spec is either a preset name or a comma-separated list of field
// names; intervalOverride, when > 0, replaces interval_seconds for
// every resolved field.
func ResolveFields(spec string, intervalOverride int) (map[string]FieldConfig, error) {
	var fields map[string]FieldConfig

	if preset, ok := Presets[spec]; ok {
		fields = make(map[string]FieldConfig, len(preset))
		for name, cfg := range preset {
			fields[name] = cfg
		}
	} else {
		fields = make(map[string]FieldConfig)
		for _, name := range strings.Split(spec, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, ok := fieldIDs[name]; !ok {
				return nil, fmt.Errorf("unknown telemetry field %q (available presets: %s)",
					name, strings.Join(presetNames(), ", "))
			}
			fields[name] = FieldConfig{IntervalSeconds: 10}
		}
	}

	if intervalOverride > 0 {
		for name := range fields {
			fields[name] = FieldConfig{IntervalSeconds: intervalOverride}
		}
	}

	return fields, nil
}

func presetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
