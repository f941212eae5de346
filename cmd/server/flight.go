package main

import (
	"context"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl32"
)

// flightPath moves the observer in a straight line on the XZ plane.
type flightPath struct {
	start   mgl32.Vec3
	heading mgl32.Vec3
	speed   float32
}

func newFlightPath(start [3]float32, headingDeg, speed float64) flightPath {
	rad := headingDeg * math.Pi / 180
	return flightPath{
		start:   mgl32.Vec3{start[0], start[1], start[2]},
		heading: mgl32.Vec3{float32(math.Cos(rad)), 0, float32(math.Sin(rad))},
		speed:   float32(speed),
	}
}

// At is the observer position after d of flight.
func (f flightPath) At(d time.Duration) mgl32.Vec3 {
	return f.start.Add(f.heading.Mul(f.speed * float32(d.Seconds())))
}

// fly reports a new position to move every interval until ctx is done.
func fly(ctx context.Context, f flightPath, interval time.Duration, move func(mgl32.Vec3)) {
	if f.speed == 0 {
		return
	}
	began := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			move(f.At(time.Since(began)))
		}
	}
}
