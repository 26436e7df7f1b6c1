package pwsh

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a vendor-module version. PowerShell module versions are
// System.Version values with two to four numeric parts
// (e.g. "13.2.0.24145081"), which is why this is not semver: both the
// ecosystem semver parsers reject the four-part form.
type Version struct {
	Major int
	Minor int
	Patch int
	Build int

	parts int // how many parts the original string carried, for String()
}

// ParseVersion parses a dotted version of one to four numeric parts.
func ParseVersion(s string) (Version, error) {
	fields := strings.Split(strings.TrimSpace(s), ".")
	if len(fields) == 0 || len(fields) > 4 {
		return Version{}, fmt.Errorf("pwsh: invalid version %q", s)
	}

	var v Version
	v.parts = len(fields)
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("pwsh: invalid version %q", s)
		}
		switch i {
		case 0:
			v.Major = n
		case 1:
			v.Minor = n
		case 2:
			v.Patch = n
		case 3:
			v.Build = n
		}
	}
	return v, nil
}

// Compare returns -1, 0 or 1 ordering v against o.
func (v Version) Compare(o Version) int {
	pairs := [4][2]int{
		{v.Major, o.Major},
		{v.Minor, o.Minor},
		{v.Patch, o.Patch},
		{v.Build, o.Build},
	}
	for _, p := range pairs {
		switch {
		case p[0] < p[1]:
			return -1
		case p[0] > p[1]:
			return 1
		}
	}
	return 0
}

// SameMajorMinor reports whether two versions agree at the major.minor
// level — the compatibility granularity the vendor modules ship at.
func (v Version) SameMajorMinor(o Version) bool {
	return v.Major == o.Major && v.Minor == o.Minor
}

func (v Version) String() string {
	out := []int{v.Major, v.Minor, v.Patch, v.Build}
	n := v.parts
	if n < 2 {
		n = 2
	}
	fields := make([]string, n)
	for i := 0; i < n; i++ {
		fields[i] = strconv.Itoa(out[i])
	}
	return strings.Join(fields, ".")
}

// IsZero reports whether v is the zero value (no version parsed).
func (v Version) IsZero() bool {
	return v.parts == 0
}
