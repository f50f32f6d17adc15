package api

import (
	"fmt"
	"regexp"

	"github.com/p-arndt/vorschau/protocol"
)

var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// validateLaunchRequest checks payload bounds; the repository identifier
// itself is parsed by the source package afterwards.
func validateLaunchRequest(req protocol.LaunchRequest) error {
	if req.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	if len(req.Repo) > 256 {
		return fmt.Errorf("repo must not exceed 256 characters")
	}
	if req.Ref != "" {
		if len(req.Ref) > 128 {
			return fmt.Errorf("ref must not exceed 128 characters")
		}
		if !refPattern.MatchString(req.Ref) {
			return fmt.Errorf("ref may only contain letters, digits, dots, dashes, underscores and slashes")
		}
	}
	return nil
}

func validateDeployRequest(req protocol.DeployRequest) error {
	if req.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	if len(req.Repo) > 256 {
		return fmt.Errorf("repo must not exceed 256 characters")
	}
	if len(req.Site) > 128 {
		return fmt.Errorf("site must not exceed 128 characters")
	}
	return nil
}
