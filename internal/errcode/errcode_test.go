package errcode

import "testing"

func TestFromExitCodeTable(t *testing.T) {
	cases := []struct {
		exit        int
		wantCode    Code
		wantRestart bool
	}{
		{0, Success, false},
		{int(ExitTimeout), WorkerKeepAliveTimeout, false},
		{int(ExitInitWorkerFailed), ControlledInitFailed, false},
		{int(ExitInitVideoFailed), WorkerInitVideoFailed, false},
		{int(ExitInitAudioFailed), WorkerInitAudioFailed, false},
		{int(ExitInitInputFailed), WorkerInitInputFailed, false},
		{int(ExitClientChangeStreamingParamsFailed), InvalidParameter, false},
		{42, Unknown, false},
		{256, Unknown, true},
		{1000, Unknown, true},
	}

	for _, tc := range cases {
		code, restart := FromExitCode(tc.exit)
		if code != tc.wantCode || restart != tc.wantRestart {
			t.Errorf("FromExitCode(%d) = (%v, %v), want (%v, %v)",
				tc.exit, code, restart, tc.wantCode, tc.wantRestart)
		}
	}
}

func TestCodeStringKnownAndUnknown(t *testing.T) {
	if Success.String() != "Success" {
		t.Fatalf("unexpected string for Success: %s", Success.String())
	}
	unknownCode := Code(9999)
	if unknownCode.String() == "" {
		t.Fatal("expected non-empty fallback string for unknown code")
	}
}
