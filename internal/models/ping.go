package models

import "time"

// Ping is one geolocated observation of a device
type Ping struct {
	DeviceID  string
	Lat       float64
	Lon       float64
	Timestamp time.Time
}

// Chunk is a bounded batch of pings read from the input
type Chunk struct {
	Index int // 0-based position in the stream
	Pings []Ping
}
