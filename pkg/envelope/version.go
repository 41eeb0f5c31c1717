package envelope

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

var currentVersion = semver.MustParse(Version)

// CheckVersion applies the compatibility rule to a peer's envelope
// version: the same major version is accepted (newer minors carry fields
// we ignore), a different major is rejected and the message dead-letters.
func CheckVersion(v string) error {
	peer, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("envelope version %q: %w", v, err)
	}
	if peer.Major() != currentVersion.Major() {
		return fmt.Errorf("envelope version %s incompatible with %s", v, Version)
	}
	return nil
}
