package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/lifecycle"
)

// Коды ошибок API помимо кодов оформления.
const (
	codeValidation      = "VALIDATION_FAILED"
	codeNotFound        = "NOT_FOUND"
	codeInvalidState    = "INVALID_TRANSITION"
	codeReconciliation  = "RECONCILIATION_REQUIRED"
	codeUnavailable     = "SERVICE_UNAVAILABLE"
	codeForbidden       = "FORBIDDEN"
	codeInternal        = "INTERNAL"
	codeFeatureDisabled = "DISABLED"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Subject string `json:"subject,omitempty"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// Ошибка разбора или валидации запроса.
type requestError struct {
	message string
	details map[string]string
}

func (e *requestError) Error() string { return e.message }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// decodeJSON читает тело запроса в dest и валидирует его по тегам validate.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() {
		_, _ = io.Copy(io.Discard, body)
	}()

	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return &requestError{message: "invalid request body", details: map[string]string{"body": err.Error()}}
	}
	if err := validate.Struct(dest); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &requestError{message: "validation failed"}
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fieldPath(fe)] = validationMessage(fe)
	}
	return &requestError{message: "validation failed", details: details}
}

// fieldPath убирает имя корневой структуры: "checkoutBody.lines[0].qty" -> "lines[0].qty".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "len":
		return fmt.Sprintf("must have length %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "dive":
		return "is invalid"
	}
	return "is invalid"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит ошибку домена или координатора в HTTP-ответ.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, payload := classifyError(err)

	entry := s.logger.WithError(err).WithFields(log.Fields{
		"path":   r.URL.Path,
		"status": status,
		"code":   payload.Code,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request rejected")
	}

	writeJSON(w, status, errorEnvelope{Error: payload})
}

func classifyError(err error) (int, apiError) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		payload := apiError{Code: codeValidation, Message: reqErr.message}
		if len(reqErr.details) > 0 {
			payload.Details = reqErr.details
		}
		return http.StatusBadRequest, payload
	}

	var checkoutErr *lifecycle.CheckoutError
	if errors.As(err, &checkoutErr) {
		return checkoutStatus(checkoutErr.Code), apiError{
			Code:    string(checkoutErr.Code),
			Message: checkoutErr.Message(),
			Subject: checkoutErr.Subject,
		}
	}

	switch {
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrVariantNotFound),
		errors.Is(err, domain.ErrReservationNotFound),
		errors.Is(err, domain.ErrInstrumentNotFound):
		return http.StatusNotFound, apiError{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, lifecycle.ErrOrderChanged):
		return http.StatusConflict, apiError{Code: codeInvalidState, Message: err.Error()}
	case errors.Is(err, lifecycle.ErrReconciliationRequired):
		return http.StatusConflict, apiError{Code: codeReconciliation, Message: "order was canceled and requires manual reconciliation"}
	case errors.Is(err, domain.ErrOrderStatusInvalid),
		errors.Is(err, domain.ErrOrderIDRequired),
		errors.Is(err, domain.ErrReservationQtyInvalid),
		errors.Is(err, domain.ErrTransactionTypeInvalid),
		errors.Is(err, domain.ErrEntityIDRequired):
		return http.StatusBadRequest, apiError{Code: codeValidation, Message: err.Error()}
	case errors.Is(err, lifecycle.ErrTransient):
		return http.StatusServiceUnavailable, apiError{Code: codeUnavailable, Message: "storage is temporarily unavailable, please retry"}
	default:
		return http.StatusInternalServerError, apiError{Code: codeInternal, Message: "internal error"}
	}
}

func checkoutStatus(code lifecycle.CheckoutCode) int {
	switch code {
	case lifecycle.CodeOutOfStock:
		return http.StatusConflict
	case lifecycle.CodeInvalidCoupon, lifecycle.CodeCouponExpired, lifecycle.CodeGiftCardDepleted:
		return http.StatusUnprocessableEntity
	case lifecycle.CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}
