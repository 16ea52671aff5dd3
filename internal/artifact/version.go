// Package artifact manages versioned echarts-convert executable artifacts:
// the filename convention, semantic version ordering, and the single-version
// retention policy for the artifact directory.
package artifact

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Prefix is the fixed artifact name prefix. Compressed artifacts at rest are
// named <Prefix>-<version>-linux-<arch>.gz; decompressed binaries drop the
// .gz suffix.
const Prefix = "echarts-convert"

var filenamePattern = regexp.MustCompile(`^` + Prefix + `-(\d+)\.(\d+)\.(\d+)-linux-`)

// Version is a MAJOR.MINOR.PATCH semantic version. Ordering is component-wise
// numeric comparison; modification times are never consulted.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses a MAJOR.MINOR.PATCH string.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid version %q: want MAJOR.MINOR.PATCH", s)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q: component %q is not a non-negative integer", s, p)
		}
		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// String returns the MAJOR.MINOR.PATCH form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0, or 1 ordering v against o.
func (v Version) Compare(o Version) int {
	pairs := [3][2]int{
		{v.Major, o.Major},
		{v.Minor, o.Minor},
		{v.Patch, o.Patch},
	}
	for _, p := range pairs {
		if p[0] < p[1] {
			return -1
		}
		if p[0] > p[1] {
			return 1
		}
	}
	return 0
}

// ExtractVersion pulls the version out of an artifact filename following the
// fixed naming convention. Returns false for names that don't match.
func ExtractVersion(filename string) (Version, bool) {
	m := filenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return Version{}, false
	}
	// Components already matched \d+, so Atoi cannot fail.
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return Version{Major: major, Minor: minor, Patch: patch}, true
}

// CompressedName returns the at-rest artifact filename for a version and arch.
func CompressedName(v Version, arch string) string {
	return fmt.Sprintf("%s-%s-linux-%s.gz", Prefix, v, arch)
}

// BinaryName returns the decompressed executable filename for a version and arch.
func BinaryName(v Version, arch string) string {
	return fmt.Sprintf("%s-%s-linux-%s", Prefix, v, arch)
}
