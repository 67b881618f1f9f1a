package monitor

import "testing"

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusInitializing: "initializing",
		StatusRunning:      "running",
		StatusViolation:    "violation",
		StatusTimedOut:     "timed_out",
		Status(99):         "status(99)",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}

func TestViolationString(t *testing.T) {
	v := &Violation{
		SyscallName: "openat",
		Argv:        []string{"-100", `"/etc/shadow"`, "0x0", "00"},
	}
	want := `openat(-100, "/etc/shadow", 0x0, 00)`
	if got := v.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	bare := &Violation{SyscallName: "ptrace"}
	if got := bare.String(); got != "ptrace(...)" {
		t.Errorf("bare String() = %q, want ptrace(...)", got)
	}
}

func TestResultExited(t *testing.T) {
	if !(Result{Status: StatusExited}).Exited() {
		t.Error("StatusExited result does not report Exited")
	}
	if (Result{Status: StatusViolation}).Exited() {
		t.Error("violation result reports Exited")
	}
}
