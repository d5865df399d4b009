package serving

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/keilynrp/Trading-Observer/internal/artifact"
	"github.com/keilynrp/Trading-Observer/internal/market"
	"github.com/keilynrp/Trading-Observer/internal/window"
)

const serviceName = "forecaster"

type predictRequest struct {
	Symbol string `json:"symbol" validate:"required,max=32"`
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message,omitempty"`
	Details []ValidationError `json:"details,omitempty"`
}

type statusResponse struct {
	Status  string   `json:"status"`
	Service string   `json:"service,omitempty"`
	Models  []string `json:"models,omitempty"`
}

func (s *Server) handleRoot(c echo.Context) error {
	resp := statusResponse{Status: "online", Service: serviceName}
	if s.models != nil {
		symbols, err := s.models.Symbols()
		if err != nil {
			s.logger.Warn().Err(err).Msg("list trained models")
		}
		resp.Models = symbols
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{Status: "healthy"})
}

func (s *Server) handlePredict(c echo.Context) error {
	var req predictRequest
	if errs := bindRequest(c, &req); errs != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Code:    "ERR_VALIDATION",
			Message: "invalid prediction request",
			Details: errs,
		})
	}

	fc, err := s.forecaster.Predict(c.Request().Context(), req.Symbol)
	if err != nil {
		status, body := mapError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("symbol", req.Symbol).Msg("prediction failed")
		}
		return c.JSON(status, body)
	}
	return c.JSON(http.StatusOK, fc)
}

// mapError turns pipeline errors into stable API codes. Provider and
// internal details are not echoed back for 5xx responses.
func mapError(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, artifact.ErrInvalidSymbol):
		return http.StatusBadRequest, errorResponse{Code: "ERR_INVALID_SYMBOL", Message: err.Error()}
	case errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound, errorResponse{Code: "ERR_NOT_TRAINED", Message: "no trained model for symbol"}
	case errors.Is(err, window.ErrInsufficientHistory):
		return http.StatusUnprocessableEntity, errorResponse{Code: "ERR_INSUFFICIENT_HISTORY", Message: err.Error()}
	case errors.Is(err, market.ErrDataUnavailable):
		return http.StatusBadGateway, errorResponse{Code: "ERR_DATA_UNAVAILABLE", Message: "market data unavailable"}
	case errors.Is(err, artifact.ErrCorrupt):
		return http.StatusInternalServerError, errorResponse{Code: "ERR_MODEL_CORRUPT", Message: "stored model is unreadable"}
	default:
		return http.StatusInternalServerError, errorResponse{Code: "ERR_INTERNAL", Message: "prediction failed"}
	}
}
