// Package fmxxx names the Teltonika FMB/FMC AVL IO element ids the
// gateway understands.
package fmxxx

const (
	DIn1         = 1
	DIn2         = 2
	AIn1         = 9
	GSMSignal    = 21
	VehicleSpeed = 24
	BLETemp1     = 25
	ExtVolt      = 66
	BatteryVolt  = 67
	BattCurrent  = 68
	GnssStatus   = 69
	DallasTemp1  = 72
	DataMode     = 80
	FuelLevelPct = 89
	BattLevel    = 113
	DOut1        = 179
	GnssPDOP     = 181
	GnssHDOP     = 182
	SleepMode    = 200
	LLS1FuelLvl  = 201
	LLS1Temp     = 202
	Odometer     = 199
	Ignition     = 239
	Movement     = 240
)

var names = map[uint16]string{
	DIn1:         "din1",
	DIn2:         "din2",
	AIn1:         "ain1",
	GSMSignal:    "gsmSignal",
	VehicleSpeed: "vehicleSpeed",
	BLETemp1:     "bleTemp1",
	BatteryVolt:  "batteryVoltage",
	BattCurrent:  "batteryCurrent",
	GnssStatus:   "gnssStatus",
	DataMode:     "dataMode",
	BattLevel:    "batteryLevel",
	DOut1:        "dout1",
	GnssPDOP:     "pdop",
	SleepMode:    "sleepMode",
	LLS1FuelLvl:  "lls1FuelLevel",
	LLS1Temp:     "lls1Temperature",
	Odometer:     "odometer",
	Movement:     "movement",
}

// Name returns the ioElements key for an id without a dedicated telemetry
// field, or "" when the id is unknown.
func Name(id uint16) string {
	return names[id]
}
