package engine

import (
	"fmt"
	"regexp"

	"github.com/VizierDB/web-api-async-sub004/internal/apperrors"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// Validation limits
const (
	maxIDLength        = 128
	maxArgumentsBytes  = 1 << 20
	maxContextEntries  = 1024
	maxArtifactNameLen = 256
	maxResources       = 64
)

// idPattern allows alphanumeric, hyphens, and underscores
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

func validateID(field, value string, required bool) error {
	if value == "" {
		if required {
			return apperrors.Validation(field, field+" is required")
		}
		return nil
	}
	if len(value) > maxIDLength {
		return apperrors.Validation(field, fmt.Sprintf("%s exceeds maximum length of %d", field, maxIDLength))
	}
	if !idPattern.MatchString(value) {
		return apperrors.Validation(field, field+" must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
	}
	return nil
}

func validateCommand(cmd task.Command) error {
	if err := validateID("command.packageId", cmd.PackageID, true); err != nil {
		return err
	}
	if err := validateID("command.commandId", cmd.CommandID, true); err != nil {
		return err
	}
	if len(cmd.Arguments.Raw()) > maxArgumentsBytes {
		return apperrors.Validation("command.arguments", fmt.Sprintf("arguments exceed maximum of %d bytes", maxArgumentsBytes))
	}
	return nil
}

// validate checks a request. Does not modify the request.
func validate(req *Request) error {
	if err := validateID("projectId", req.ProjectID, true); err != nil {
		return err
	}
	if err := validateID("taskId", req.TaskID, false); err != nil {
		return err
	}
	if err := validateCommand(req.Command); err != nil {
		return err
	}

	if len(req.Context) > maxContextEntries {
		return apperrors.Validation("context", fmt.Sprintf("context exceeds maximum of %d artifacts", maxContextEntries))
	}
	for name, d := range req.Context {
		if name == "" || len(name) > maxArtifactNameLen {
			return apperrors.Validation("context", fmt.Sprintf("artifact name must be 1 to %d characters", maxArtifactNameLen))
		}
		if d.Identifier == "" {
			return apperrors.Validation("context", fmt.Sprintf("artifact %q has no identifier", name))
		}
	}

	if len(req.Resources) > maxResources {
		return apperrors.Validation("resources", fmt.Sprintf("resources exceed maximum of %d entries", maxResources))
	}
	return nil
}
