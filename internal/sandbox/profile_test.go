package sandbox

import (
	"slices"
	"testing"
)

func TestNewProfile_NormalizesCapabilities(t *testing.T) {
	p, err := NewProfile("mwcc", []string{"setuid", "CAP_SETGID", " cap_setfcap ", "SETUID"},
		Limits{OutputBytes: 1, ScratchBytes: 1}, true)
	if err != nil {
		t.Fatalf("NewProfile: %v", err)
	}
	want := []string{"CAP_SETFCAP", "CAP_SETGID", "CAP_SETUID"}
	if got := p.Capabilities(); !slices.Equal(got, want) {
		t.Errorf("Capabilities() = %v, want %v", got, want)
	}
	if p.Network() != NetworkDenied {
		t.Errorf("Network() = %q, want denied", p.Network())
	}
	if !p.WindowsShim() || !p.allowsUnixSockets() {
		t.Error("windows shim profile should allow unix sockets")
	}
}

func TestNewProfile_Rejects(t *testing.T) {
	limits := Limits{OutputBytes: 1, ScratchBytes: 1}
	tests := []struct {
		name   string
		family string
		caps   []string
		limits Limits
	}{
		{"no family", "", nil, limits},
		{"sys_admin", "gcc", []string{"CAP_SYS_ADMIN"}, limits},
		{"net_raw", "gcc", []string{"net_raw"}, limits},
		{"zero output", "gcc", nil, Limits{ScratchBytes: 1}},
		{"zero scratch", "gcc", nil, Limits{OutputBytes: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProfile(tt.family, tt.caps, tt.limits, false); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestProfile_CapabilitiesAreCopied(t *testing.T) {
	p := testProfile(t, Limits{})
	caps := p.Capabilities()
	caps[0] = "CAP_SYS_ADMIN"
	if slices.Contains(p.Capabilities(), "CAP_SYS_ADMIN") {
		t.Error("mutating the returned slice changed the profile")
	}
}

func TestRequestValidate(t *testing.T) {
	p := testProfile(t, Limits{})
	base := Request{
		Command:    []string{"/bin/true"},
		Profile:    p,
		JobDir:     "/w/job-1",
		ScratchDir: "/w/job-1",
		TmpDir:     "/w/job-1/tmp",
	}
	if err := base.validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"empty command", func(r *Request) { r.Command = nil }},
		{"no profile", func(r *Request) { r.Profile = Profile{} }},
		{"no tmp", func(r *Request) { r.TmpDir = "" }},
		{"workdir escapes", func(r *Request) { r.WorkingDir = "/w/job-10" }},
		{"workdir elsewhere", func(r *Request) { r.WorkingDir = "/etc" }},
		{"tmp outside job", func(r *Request) { r.TmpDir = "/tmp" }},
		{"relative read-only path", func(r *Request) { r.ReadOnlyPaths = []string{"opt/wine"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			tt.mutate(&r)
			if err := r.validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBaseEnv_SortedAndSanitized(t *testing.T) {
	env := baseEnv("/w/job", "/w/job/tmp", map[string]string{"WINEPREFIX": "/w/job/wine", "A": "1"})
	if env[len(env)-2] != "A=1" || env[len(env)-1] != "WINEPREFIX=/w/job/wine" {
		t.Errorf("extra env not sorted: %v", env)
	}
	if !slices.Contains(env, "HOME=/w/job") || !slices.Contains(env, "TMPDIR=/w/job/tmp") {
		t.Errorf("missing HOME/TMPDIR: %v", env)
	}
}
