// Package apierr provides the error taxonomy used across every package in
// paykit. It is both the error kind vocabulary the core packages raise
// (INVALID_STATE, NO_PLUGINS_AVAILABLE, NOT_FOUND, ...) and the Gin
// middleware that renders them consistently at the paymentapi boundary.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"unicode"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gitlab.com/arcanecrypto/paykit/internal/httptypes"
	validator "github.com/go-playground/validator/v10"
)

// apiError carries both a stable machine-readable code and a human message.
// Equality is by code, not by the wrapped message, so callers can match a
// returned error against a sentinel with errors.Is even after it has been
// wrapped with additional context.
type apiError struct {
	err  error
	code string
}

func (a apiError) Error() string {
	return pkgerrors.Wrap(a.err, a.code).Error()
}

func (a apiError) Is(err error) bool {
	other, ok := err.(apiError)
	if !ok {
		return false
	}
	return other.code == a.code
}

// Code returns the machine-readable error kind, e.g. for logging.
func (a apiError) Code() string {
	return a.code
}

// Wrap attaches additional context to an apiError without losing its code,
// so errors.Is(wrapped, ErrNotFound) still succeeds.
func Wrap(err error, msg string) error {
	if apiErr, ok := err.(apiError); ok {
		return apiError{err: pkgerrors.Wrap(apiErr.err, msg), code: apiErr.code}
	}
	return pkgerrors.Wrap(err, msg)
}

// newKind builds a parameterized error of a given kind, e.g.
// ErrInvalidState("CANCELLED") -> "invalid state transition from CANCELLED".
func newKind(code, format string, args ...interface{}) error {
	return apiError{err: fmt.Errorf(format, args...), code: code}
}

// --- validation (§7: refuse entry, never mutate state) ---

var (
	ErrNoOrderParams        = apiError{err: errors.New("no order params given"), code: "NO_ORDER_PARAMS"}
	ErrCounterpartyRequired = apiError{err: errors.New("counterpartyURL is required"), code: "COUNTERPARTY_REQUIRED"}
	ErrInvalidFrequency     = apiError{err: errors.New("frequency must be 0 or >= MIN_FREQUENCY"), code: "INVALID_FREQUENCY"}
	ErrInvalidTimestamp     = apiError{err: errors.New("timestamp does not parse"), code: "INVALID_TIMESTAMP"}
	ErrPendingPluginsNotArray = apiError{err: errors.New("pendingPlugins must be an ordered sequence of plugin names"), code: "PENDING_PLUGINS_NOT_ARRAY"}
)

// --- lifecycle (§7: surfaced to caller, never auto-retried) ---

var (
	ErrOrderCancelled       = apiError{err: errors.New("order is cancelled"), code: "ORDER_CANCELLED"}
	ErrOrderCompleted       = apiError{err: errors.New("order is completed"), code: "ORDER_COMPLETED"}
	ErrOutstandingPayments  = apiError{err: errors.New("order has outstanding (non-terminal) payments"), code: "OUTSTANDING_PAYMENTS"}
	ErrCanNotProcessOrder   = apiError{err: errors.New("a payment in this order has failed; the order can not be processed further"), code: "CAN_NOT_PROCESS_ORDER"}
)

func ErrOrderNotFound(id string) error {
	return newKind("ORDER_NOT_FOUND", "order %q not found", id)
}

func ErrInvalidState(state string) error {
	return newKind("INVALID_STATE", "invalid state transition from %s", state)
}

func ErrPluginInProgress(name string) error {
	return newKind("PLUGIN_IN_PROGRESS", "plugin %q is already in progress", name)
}

// --- plugin lifecycle (§7) ---

var (
	ErrNoPluginsAvailable = apiError{err: errors.New("no plugins available to try"), code: "NO_PLUGINS_AVAILABLE"}
	ErrConflict           = apiError{err: errors.New("a plugin with this name is already registered"), code: "CONFLICT"}
	ErrPluginNotActive    = apiError{err: errors.New("plugin is not active"), code: "PLUGIN_NOT_ACTIVE"}
)

func ErrFailedToLoad(entryPoint string) error {
	return newKind("FAILED_TO_LOAD", "failed to load plugin %q", entryPoint)
}

func ErrPluginInit(name string, cause error) error {
	return Wrap(newKind("PLUGIN.INIT", "plugin %q: init failed", name), cause.Error())
}

func ErrPluginGetManifest(name string, cause error) error {
	return Wrap(newKind("PLUGIN.GET_MANIFEST", "plugin %q: getmanifest failed", name), cause.Error())
}

func ErrPluginStop(name string, cause error) error {
	return Wrap(newKind("PLUGIN.STOP", "plugin %q: stop failed", name), cause.Error())
}

func ErrPluginEventDispatch(name, event string, cause error) error {
	return Wrap(newKind("PLUGIN.EVENT_DISPATCH", "plugin %q: event %q handler failed", name, event), cause.Error())
}

// --- send path (§7: recovered locally as a plugin failure) ---

var ErrPaymentTargetNotFound = apiError{err: errors.New("payment target not found"), code: "PAYMENT_TARGET_NOT_FOUND"}

// --- receive path (§7) ---

var (
	ErrPaymentObjectNotFound       = apiError{err: errors.New("payment object not found"), code: "PAYMENT_OBJECT_NOT_FOUND"}
	ErrPaymentCurrencyMismatch     = apiError{err: errors.New("received payment currency does not match expected currency"), code: "PAYMENT_CURRENCY_MISMATCH"}
	ErrPaymentDenominationMismatch = apiError{err: errors.New("received payment denomination does not match expected denomination"), code: "PAYMENT_DENOMINATION_MISMATCH"}
	ErrPayloadClientOrderIdMissing = apiError{err: errors.New("clientOrderId is required for a private payment file"), code: "PAYLOAD_CLIENT_ORDER_ID_IS_MISSING"}
)

// --- store (§4.A / §7) ---

var (
	ErrNotReady      = apiError{err: errors.New("store is not ready; init() was not called"), code: "NOT_READY"}
	ErrNotFound      = apiError{err: errors.New("record not found"), code: "NOT_FOUND"}
	ErrDuplicateID   = apiError{err: errors.New("a record with this id already exists"), code: "DUPLICATE_ID"}
	ErrInvalidPatch  = apiError{err: errors.New("patch contains unknown fields"), code: "INVALID_PATCH"}
)

// --- HTTP-facing (unchanged from the teacher) ---

var (
	// ErrInvalidJson means we got sent invalid JSON
	ErrInvalidJson = apiError{
		err:  errors.New("invalid JSON"),
		code: "ERR_INVALID_JSON",
	}

	// ErrUnknownError means we don't know exactly what went wrong
	ErrUnknownError = apiError{
		err:  errors.New("unknown error"),
		code: "ERR_UNKNOWN_ERROR",
	}

	// ErrRouteNotFound means the requested HTTP route wasn't found
	ErrRouteNotFound = apiError{
		err:  errors.New("route not found"),
		code: "ERR_ROUTE_NOT_FOUND",
	}

	// ErrMissingAuthHeader means the HTTP request had an empty auth header
	ErrMissingAuthHeader = apiError{
		err:  errors.New("missing authentication header"),
		code: "ERR_MISSING_AUTH_HEADER",
	}

	// ErrInvalidAuthHeader means the HTTP request's auth header didn't
	// verify: malformed, expired, or signed with the wrong key.
	ErrInvalidAuthHeader = apiError{
		err:  errors.New("invalid authentication header"),
		code: "ERR_INVALID_AUTH_HEADER",
	}

	ErrRequestValidationFailed = apiError{
		err:  errors.New("request validation failed"),
		code: "ERR_REQUEST_VALIDATION_FAILED",
	}
)

// decapitalize makes the first element of a string lowercase
func decapitalize(str string) string {
	if str == "" {
		return ""
	}
	var decapitalized string
	for index, c := range str {
		if index == 0 {
			decapitalized = string(unicode.ToLower(c))
			continue
		}
		decapitalized = decapitalized + string(c)
	}
	return decapitalized

}

// GetMiddleware returns a Gin middleware that handles errors
func GetMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {

		// let previous handlers run
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		// if HTTP code is set to -1 it doesn't overwrite what's already there
		httpCode := -1
		if c.Writer.Status() == http.StatusOK {
			// default to 500 if no status has been set
			httpCode = http.StatusInternalServerError
		}

		fieldErrors := handleValidationErrors(c, log)
		errField := &httptypes.StandardError{Fields: fieldErrors}
		response := httptypes.StandardResponse{Error: errField}

		// Check for JSON parsing errors
		for _, err := range c.Errors {
			var syntaxErr *json.SyntaxError
			if errors.Is(err.Err, io.EOF) || errors.As(err.Err, &syntaxErr) {
				errField.Code = ErrInvalidJson.code
				errField.Message = ErrInvalidJson.err.Error()
				c.JSON(httpCode, response)
				return
			}
		}

		// public errors are errors that can be shown to the end user
		publicErrors := c.Errors.ByType(gin.ErrorTypePublic)
		if len(publicErrors) > 0 {
			// we only take the last one
			err := publicErrors.Last()
			if apiErr, ok := err.Err.(apiError); ok {
				errField.Code = apiErr.code
				errField.Message = apiErr.err.Error()
			} else {
				log.WithError(err).Warn("Got public error in error handler that was not apiError type")
				errField.Code = ErrUnknownError.code
				errField.Message = ErrUnknownError.err.Error()
			}
		}

		if errField.Code == "" {
			if len(fieldErrors) > 0 {
				errField.Code = ErrRequestValidationFailed.code
				errField.Message = ErrRequestValidationFailed.err.Error()
			} else {
				errField.Code = ErrUnknownError.code
				errField.Message = ErrUnknownError.err.Error()
			}
		}

		c.JSON(httpCode, response)
	}
}

// Public fails the given Gin request with the given error. It sets the error
// type as public, causing it to later be returned to the end user with a
// fitting error message.
func Public(c *gin.Context, code int, err apiError) {
	cErr := c.AbortWithError(code, err)
	_ = cErr.SetType(gin.ErrorTypePublic)
}

const UnknownValidationTag = "unknown"

func handleValidationErrors(c *gin.Context, log *logrus.Logger) []httptypes.FieldError {
	// initialize to empty list instead of pointer, to make sure the empty list
	// is returned instead of nil
	fieldErrors := []httptypes.FieldError{}
	for _, err := range c.Errors.ByType(gin.ErrorTypeBind) {
		// not all errors encountered in validation is a nice validator.ValidationErrors type
		// if you request an int in a form for example, parsing of that int will fail before
		// proper validation happens, and we're left with this ugly error type.
		// see these GitHub issues:  https://github.com/gin-gonic/gin/issues/1093
		//							 https://github.com/gin-gonic/gin/issues/1907
		if numError, ok := err.Err.(*strconv.NumError); ok {
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				// don't know how to find out which field failed here...
				Field:   "unknown",
				Message: fmt.Sprintf("%q is not a valid number, %q failed", numError.Num, numError.Func),
				Code:    "invalid-number",
			})
			continue
		}

		validationErrors, ok := err.Err.(validator.ValidationErrors)
		if !ok {
			continue
		}
		for _, validationErr := range validationErrors {
			// validator/v10 reports the Go struct field name; our request
			// structs use the same name as the JSON field except for casing.
			field := decapitalize(validationErr.Field())
			var message string
			var code string
			switch validationErr.Tag() {
			case "required":
				message = fmt.Sprintf("%q is required", field)
				code = "required"
			case "gte":
				message = fmt.Sprintf("%q field must be greater than or equal %s. Got: %v",
					field, validationErr.Param(), validationErr.Value())
				code = "gte"
			case "lte":
				message = fmt.Sprintf("%q field must be less than or equal %s. Got: %v",
					field, validationErr.Param(), validationErr.Value())
				code = "lte"
			case "gt":
				message = fmt.Sprintf("%q field must be greater than %s. Got: %v",
					field, validationErr.Param(), validationErr.Value())
				code = "gt"
			case "url":
				message = fmt.Sprintf("%q field is not a valid URL", field)
				code = "url"
			case "max":
				message = fmt.Sprintf("%q cannot be longer than %s characters", field, validationErr.Param())
				code = "max"
			default:
				log.WithField("tag", validationErr.Tag()).Warn("Encountered unknown validation field")
				message = fmt.Sprintf("%s is invalid", field)
				code = UnknownValidationTag
			}
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   field,
				Message: message,
				Code:    code,
			})
		}
	}
	return fieldErrors
}
