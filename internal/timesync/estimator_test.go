package timesync

import (
	"testing"
	"time"
)

func TestUpdateComputesRTTAndOffset(t *testing.T) {
	e := New()
	// Local clock at t0=1000, remote receives at t1=1510, remote replies at
	// t2=1520, local receives at t3=1100.
	e.Update(Sample{T0: 1000, T1: 1510, T2: 1520, T3: 1100})

	snap := e.Current()
	if !snap.Valid {
		t.Fatal("expected valid snapshot after first sample")
	}
	wantRTT := (1100 - 1000) - (1520 - 1510) // 90us
	if snap.RTT.Microseconds() != int64(wantRTT) {
		t.Errorf("RTT = %v, want %dus", snap.RTT, wantRTT)
	}
	wantOffset := ((1510 - 1000) + (1520 - 1100)) / 2 // 465us
	if snap.Offset.Microseconds() != int64(wantOffset) {
		t.Errorf("Offset = %v, want %dus", snap.Offset, wantOffset)
	}
}

func TestOffsetWithinHalfRTTOfSymmetricSample(t *testing.T) {
	// Symmetric network: 50us each way and a remote clock 950us ahead, so
	// the true offset is 950us and the estimate must lie within rtt/2 of it.
	s := Sample{T0: 0, T1: 1000, T2: 1000, T3: 100}
	const trueOffset = 950 * time.Microsecond
	e := New()
	e.Update(s)
	snap := e.Current()

	half := snap.RTT / 2
	if diff := snap.Offset - trueOffset; diff < -half || diff > half {
		t.Errorf("offset %v is more than half-RTT %v from true offset %v (property 8)", snap.Offset, half, trueOffset)
	}
}

func TestUpdateKeepsBestRTTNotLatest(t *testing.T) {
	e := New()
	e.Update(Sample{T0: 0, T1: 100, T2: 100, T3: 200}) // rtt=200
	e.Update(Sample{T0: 0, T1: 100, T2: 100, T3: 500}) // rtt=500, worse

	snap := e.Current()
	if snap.RTT.Microseconds() != 200 {
		t.Errorf("RTT = %v, want the earlier, better 200us sample retained", snap.RTT)
	}
}

func TestLossRateTracksSentVsAcked(t *testing.T) {
	e := New()
	for i := 0; i < 10; i++ {
		e.RecordSent()
	}
	for i := 0; i < 8; i++ {
		e.RecordAcked()
	}
	snap := e.Current()
	if snap.LossRate < 0.19 || snap.LossRate > 0.21 {
		t.Errorf("LossRate = %v, want ~0.2", snap.LossRate)
	}
}

func TestResetClearsState(t *testing.T) {
	e := New()
	e.Update(Sample{T0: 0, T1: 10, T2: 10, T3: 20})
	e.RecordSent()
	e.Reset()

	snap := e.Current()
	if snap.Valid {
		t.Fatal("expected invalid snapshot after Reset")
	}
	if snap.RTT != 0 || snap.LossRate != 0 {
		t.Fatalf("expected zeroed snapshot after Reset, got %+v", snap)
	}
}
