package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// Configuration errors
var (
	ErrInvalidCPUCount    = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory = errors.New("hypervisor: memory must be at least 128MB")
	ErrInvalidPortForward = errors.New("hypervisor: port forward needs protocol tcp or udp and ports in 1..65535")
	ErrMissingVMsDir      = errors.New("hypervisor: machine folder is required")
)

// Runtime errors
var (
	ErrVMNotFound           = fmt.Errorf("hypervisor: vm not found: %w", errdefs.ErrNotFound)
	ErrSettingsExist        = fmt.Errorf("hypervisor: settings file already exists: %w", errdefs.ErrAlreadyExists)
	ErrNotReady             = fmt.Errorf("hypervisor: object is not ready: %w", errdefs.ErrUnavailable)
	ErrExtensionPackMissing = fmt.Errorf("hypervisor: extension pack is not installed: %w", errdefs.ErrFailedPrecondition)
	ErrGuruMeditation       = fmt.Errorf("hypervisor: vm has stopped responding, resolve manually: %w", errdefs.ErrInternal)
	ErrShutdownTimeout      = fmt.Errorf("hypervisor: timed out waiting for shutdown: %w", context.DeadlineExceeded)
	ErrGuestNotReady        = fmt.Errorf("hypervisor: guest additions not loaded: %w", context.DeadlineExceeded)
	ErrScreenMode           = errors.New("hypervisor: cannot set screen mode")
)

// Disk provenance errors
var (
	ErrDiskNotFound       = fmt.Errorf("hypervisor: disk not found: %w", errdefs.ErrNotFound)
	ErrParentDiskNotFound = fmt.Errorf("hypervisor: parent disk not found: %w", errdefs.ErrNotFound)
	ErrDiskExists         = fmt.Errorf("hypervisor: disk already exists: %w", errdefs.ErrAlreadyExists)
	ErrDiskInUse          = fmt.Errorf("hypervisor: disk is in use: %w", errdefs.ErrConflict)
	ErrDescriptionTooLong = fmt.Errorf("hypervisor: description must be shorter than %d bytes: %w", descriptionSize, errdefs.ErrInvalidArgument)
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
)

const (
	errorPrefix = "VBoxManage: error: "

	msgNotReady = "The object is not ready"
)

// CLIError is a failed VBoxManage invocation.
type CLIError struct {
	Args     []string
	ExitCode int
	// Message is the first error line without the "VBoxManage: error: "
	// prefix, or the whole stderr when no such line exists.
	Message string
	// Code is the COM result name from the "Details: code X" line.
	Code   string
	Stderr string
}

func (e *CLIError) Error() string {
	verb := ""
	if len(e.Args) > 0 {
		verb = e.Args[0]
	}
	if e.Code != "" {
		return fmt.Sprintf("VBoxManage %s: %s (%s)", verb, e.Message, e.Code)
	}
	return fmt.Sprintf("VBoxManage %s: exit status %d: %s", verb, e.ExitCode, e.Message)
}

// Is lets errors.Is(err, ErrNotReady) match the transient "not ready"
// state VirtualBox reports while a machine changes state.
func (e *CLIError) Is(target error) bool {
	return target == ErrNotReady && e.Message == msgNotReady
}

// Mentions reports whether s appears anywhere in the output.
func (e *CLIError) Mentions(s string) bool {
	return strings.Contains(e.Message, s) || strings.Contains(e.Stderr, s)
}

// ParseError builds the error for a VBoxManage run that exited with a
// nonzero status.
func ParseError(args []string, exitCode int, stderr string) error {
	stderr = strings.ReplaceAll(stderr, "\r\n", "\n")
	e := &CLIError{
		Args:     args,
		ExitCode: exitCode,
		Message:  strings.TrimSpace(stderr),
		Stderr:   stderr,
	}
	for line := range strings.SplitSeq(stderr, "\n") {
		if msg, ok := strings.CutPrefix(line, errorPrefix); ok {
			e.Message = msg
			break
		}
	}
	for line := range strings.SplitSeq(stderr, "\n") {
		_, details, ok := strings.Cut(line, "Details: code ")
		if !ok {
			continue
		}
		if code, _, _ := strings.Cut(details, " "); code != "" {
			e.Code = code
		}
		break
	}
	return e
}

func asCLIError(err error) (*CLIError, bool) {
	var e *CLIError
	ok := errors.As(err, &e)
	return e, ok
}

// transientMessages are failures VBoxManage reports while VBoxSVC is
// busy with another client or the machine is changing state.
var transientMessages = []string{
	"Operation aborted",
	"Access denied",
	"Unexpected error",
	"Instance not initialized",
}

// IsTransient reports whether err is a VirtualBox failure that usually
// goes away when the command is repeated.
func IsTransient(err error) bool {
	if errors.Is(err, ErrNotReady) {
		return true
	}
	e, ok := asCLIError(err)
	if !ok {
		return false
	}
	if strings.TrimSpace(e.Message) == "" {
		return true
	}
	for _, s := range transientMessages {
		if e.Mentions(s) {
			return true
		}
	}
	return false
}

// HasCode reports whether err is a CLIError with the given result code.
func HasCode(err error, code string) bool {
	e, ok := asCLIError(err)
	return ok && e.Code == code
}

// Mentions reports whether err is a CLIError whose output contains s.
func Mentions(err error, s string) bool {
	e, ok := asCLIError(err)
	return ok && e.Mentions(s)
}
