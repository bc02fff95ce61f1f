package toolchain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrForbiddenFlag is returned when a user flag tries to take over a path
// the engine controls. The offending flag is wrapped in the message.
var ErrForbiddenFlag = errors.New("forbidden flag")

// pathFlags take a path either joined (-Ifoo, -isystem/x, --sysroot=foo)
// or as the next argument. Longest first so -include is not read as -i +
// "nclude" and -iwithprefixbefore is not read as -iwithprefix.
var pathFlags = []string{
	"--include-directory-after",
	"--include-directory",
	"-iwithprefixbefore",
	"-iwithprefix",
	"-idirafter",
	"-isysroot",
	"--sysroot",
	"-iprefix",
	"-imacros",
	"-isystem",
	"-include",
	"-iquote",
	"-specs",
	"-B",
	"-I",
	"/I",
	"-i",
}

// outputFlags redirect the object or working directory wholesale.
var outputFlags = []string{"--output", "-working-directory", "/Fo", "/Fe", "-Fo", "-Fe", "/Fd", "/Fa"}

// checkFlags rejects flags that would let a request pick output paths,
// working directory, response files or include paths outside the job.
func checkFlags(flags []string, exempt []string) error {
	for i := 0; i < len(flags); i++ {
		f := flags[i]
		if strings.ContainsRune(f, 0) || strings.ContainsAny(f, "\n\r") {
			return fmt.Errorf("%w: %q", ErrForbiddenFlag, f)
		}
		if strings.HasPrefix(f, "@") {
			return fmt.Errorf("%w: response file %q", ErrForbiddenFlag, f)
		}
		if f == "-o" || (strings.HasPrefix(f, "-o") && !isExempt(f, exempt)) {
			return fmt.Errorf("%w: output override %q", ErrForbiddenFlag, f)
		}
		for _, o := range outputFlags {
			joined := strings.HasPrefix(o, "/F") || strings.HasPrefix(o, "-F")
			if f == o || strings.HasPrefix(f, o+"=") || (joined && strings.HasPrefix(f, o)) {
				return fmt.Errorf("%w: output override %q", ErrForbiddenFlag, f)
			}
		}

		name, value, ok := splitPathFlag(f)
		if !ok {
			continue
		}
		if value == "" {
			if i+1 >= len(flags) {
				return fmt.Errorf("%w: %s without a path", ErrForbiddenFlag, name)
			}
			i++
			value = flags[i]
		}
		if unsafePath(value) {
			return fmt.Errorf("%w: %s %q escapes the job directory", ErrForbiddenFlag, name, value)
		}
	}
	return nil
}

func isExempt(flag string, exempt []string) bool {
	return slices.ContainsFunc(exempt, func(e string) bool {
		return flag == e || strings.HasPrefix(flag, e+"=") || strings.HasPrefix(flag, e+",")
	})
}

// splitPathFlag recognizes a path-taking flag and returns its joined value,
// if any. Bare -i only matches exactly; its other spellings are distinct options.
func splitPathFlag(f string) (name, value string, ok bool) {
	for _, p := range pathFlags {
		switch {
		case f == p:
			return p, "", true
		case p == "-i":
			continue
		case strings.HasPrefix(f, p+"="):
			return p, f[len(p)+1:], true
		case strings.HasPrefix(f, p):
			return p, f[len(p):], true
		}
	}
	return "", "", false
}

// unsafePath reports whether p is absolute (host or Windows drive) or
// climbs out with "..".
func unsafePath(p string) bool {
	norm := strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(norm, "/") || strings.HasPrefix(norm, "~") {
		return true
	}
	if len(norm) >= 2 && norm[1] == ':' {
		return true
	}
	return slices.Contains(strings.Split(norm, "/"), "..")
}
