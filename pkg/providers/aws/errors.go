package aws

import (
	"errors"
	"strings"
	"time"

	"github.com/aws/smithy-go"

	"github.com/openfroyo/stackur/pkg/engine"
	"github.com/openfroyo/stackur/pkg/telemetry"
)

var throttlingCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestLimitExceeded":                   true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"SlowDown":                               true,
}

var conflictCodes = map[string]bool{
	"OperationInProgressException": true,
	"OperationAborted":             true,
	"TokenAlreadyExistsException":  true,
}

// classify maps an SDK error to an engine error. A missing stack is
// reported by CloudFormation as a ValidationError that says "does not exist",
// a busy one as a ValidationError naming its *_IN_PROGRESS state.
func classify(service, operation, stackName string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "does not exist"):
			return engine.NewNotFoundError(stackName, err).WithOperation(operation)
		case code == "ChangeSetNotFound" || code == "ChangeSetNotFoundException":
			return engine.NewPermanentError("change set not found", err).
				WithCode(engine.ErrCodeNotFound).
				WithResource(stackName).
				WithOperation(operation)
		case code == "NoSuchBucket":
			return engine.NewPermanentError("bucket not found", err).
				WithCode(engine.ErrCodeNotFound).
				WithOperation(operation)
		case conflictCodes[code] ||
			code == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "_IN_PROGRESS state"):
			return engine.NewConflictError(service+" operation already in progress", err).
				WithCode(engine.ErrCodeConflict).
				WithResource(stackName).
				WithOperation(operation)
		case throttlingCodes[code]:
			return engine.NewThrottledError(service+" request throttled", err).
				WithCode(engine.ErrCodeRateLimited).
				WithResource(stackName).
				WithOperation(operation)
		case code == "AccessDenied" || code == "AccessDeniedException":
			return engine.NewPermanentError(service+" access denied", err).
				WithCode(engine.ErrCodePermissionDenied).
				WithResource(stackName).
				WithOperation(operation)
		case code == "AlreadyExistsException" || code == "InsufficientCapabilitiesException":
			return engine.NewPermanentError(apiErr.ErrorMessage(), err).
				WithCode(engine.ErrCodeValidation).
				WithResource(stackName).
				WithOperation(operation)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return engine.NewTransientError(service+" server error", err).
				WithCode(engine.ErrCodeBackend).
				WithResource(stackName).
				WithOperation(operation)
		}
	}

	return engine.NewPermanentError(service+" "+operation+" failed", err).
		WithCode(engine.ErrCodeBackend).
		WithResource(stackName).
		WithOperation(operation)
}

type recorder struct {
	service string
	metrics *telemetry.Metrics
	logger  *telemetry.Logger
}

// observe records one SDK call and classifies its error.
func (r recorder) observe(operation, stackName string, start time.Time, err error) error {
	r.metrics.RecordBackendCall(r.service, operation, time.Since(start), err)
	if err != nil {
		r.logger.WithError(err).WithField("operation", operation).Debug("Backend call failed")
	}
	return classify(r.service, operation, stackName, err)
}
