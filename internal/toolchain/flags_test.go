package toolchain

import (
	"errors"
	"testing"
)

func TestCheckFlags(t *testing.T) {
	mwcc := mwccFamily{}.ExemptFlags()
	tests := []struct {
		name    string
		flags   []string
		exempt  []string
		wantErr bool
	}{
		{"optimization", []string{"-O2", "-g", "-mips2"}, nil, false},
		{"relative include", []string{"-I", "include", "-Isub/dir"}, nil, false},
		{"relative isystem", []string{"-isystemsys", "-iquote", "inc"}, nil, false},
		{"mwcc inline", []string{"-inline", "auto"}, mwcc, false},
		{"define", []string{"-DFOO=1", "-UBAR"}, nil, false},
		{"mwcc opt", []string{"-opt", "level=4", "-O4,p"}, mwcc, false},
		{"msvc opt", []string{"/O2", "/Ob1"}, nil, false},

		{"dash o", []string{"-o", "x.o"}, nil, true},
		{"joined dash o", []string{"-o/etc/passwd"}, nil, true},
		{"opt without exemption", []string{"-opt"}, nil, true},
		{"long output", []string{"--output=x"}, nil, true},
		{"working dir", []string{"-working-directory=/"}, nil, true},
		{"msvc Fo", []string{"/Fo..\\x.obj"}, nil, true},
		{"msvc Fe", []string{"-Fex.exe"}, nil, true},
		{"response file", []string{"@flags.txt"}, nil, true},
		{"absolute include", []string{"-I/etc"}, nil, true},
		{"absolute include split", []string{"-I", "/etc"}, nil, true},
		{"dotdot include", []string{"-I../../jobs"}, nil, true},
		{"include file", []string{"-include", "/etc/passwd"}, nil, true},
		{"sysroot", []string{"--sysroot=/"}, nil, true},
		{"joined isystem", []string{"-isystem/etc"}, nil, true},
		{"joined include file", []string{"-include/etc/passwd"}, nil, true},
		{"joined iquote", []string{"-iquote/root"}, nil, true},
		{"joined idirafter", []string{"-idirafter/x"}, nil, true},
		{"joined imacros", []string{"-imacros/x"}, nil, true},
		{"isysroot", []string{"-isysroot", "/"}, nil, true},
		{"iwithprefix", []string{"-iwithprefix", "/etc"}, nil, true},
		{"iwithprefixbefore joined", []string{"-iwithprefixbefore/etc"}, nil, true},
		{"long include directory", []string{"--include-directory=/etc"}, nil, true},
		{"long include directory split", []string{"--include-directory", "../.."}, nil, true},
		{"specs", []string{"-specs=../x"}, nil, true},
		{"B prefix", []string{"-B/tmp/evil"}, nil, true},
		{"mwcc include", []string{"-i", "Z:\\etc"}, mwcc, true},
		{"msvc include", []string{"/IC:\\windows"}, nil, true},
		{"dangling include", []string{"-I"}, nil, true},
		{"newline", []string{"-DX\n-o"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkFlags(tt.flags, tt.exempt)
			if tt.wantErr {
				if !errors.Is(err, ErrForbiddenFlag) {
					t.Errorf("checkFlags(%q) = %v, want ErrForbiddenFlag", tt.flags, err)
				}
				return
			}
			if err != nil {
				t.Errorf("checkFlags(%q) = %v", tt.flags, err)
			}
		})
	}
}
