package statusapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-bastion/bastion/log"
)

type StatusHandler struct {
	service StatusService
	logger  log.Logger
}

func NewStatusHandler(logger log.Logger, service StatusService) *StatusHandler {
	return &StatusHandler{service: service, logger: logger}
}

// Mount registers the status endpoints on the given mux.
func (h *StatusHandler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/sagas", h.GetFilteredBy)
	mux.HandleFunc("/sagas/", h.GetStatus)
}

func (h *StatusHandler) GetStatus(resp http.ResponseWriter, r *http.Request) {
	sagaID := strings.TrimPrefix(r.URL.Path, "/sagas/")

	if sagaID == "" {
		h.writeErr(resp, NewResponseError(http.StatusBadRequest, errors.New("saga id is empty")))
		return
	}

	statusResp, err := h.service.GetStatus(r.Context(), sagaID)
	if err != nil {
		h.writeErr(resp, err)
		return
	}

	h.writeJSON(resp, http.StatusOK, statusResp)
}

func (h *StatusHandler) GetFilteredBy(resp http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filters := &Filters{
		Status:   query.Get("status"),
		SagaType: query.Get("sagaType"),
	}

	offset, err := h.getInt(query, "offset")
	if err != nil {
		h.writeErr(resp, err)
		return
	}

	limit, err := h.getInt(query, "limit")
	if err != nil {
		h.writeErr(resp, err)
		return
	}

	if offset != nil && limit == nil {
		h.writeErr(resp, NewResponseError(http.StatusBadRequest, errors.New("query param 'limit' must be specified along with 'offset'")))
		return
	}

	if limit != nil && offset == nil {
		h.writeErr(resp, NewResponseError(http.StatusBadRequest, errors.New("query param 'offset' must be specified along with 'limit'")))
		return
	}

	var pagination *Pagination
	if limit != nil && offset != nil {
		pagination = &Pagination{Offset: *offset, Limit: *limit}
	}

	batch, err := h.service.GetFilteredBy(r.Context(), filters, pagination)
	if err != nil {
		h.writeErr(resp, err)
		return
	}

	h.writeJSON(resp, http.StatusOK, batch)
}

func (h *StatusHandler) getInt(values url.Values, paramName string) (*int, error) {
	paramValue := values.Get(paramName)
	if paramValue == "" {
		return nil, nil
	}

	intValue, err := strconv.Atoi(paramValue)
	if err != nil {
		return nil, NewResponseError(http.StatusBadRequest, errors.Errorf("query parameter '%s' is expected to be an integer", paramName))
	}
	return &intValue, nil
}

type errorBody struct {
	Error string `json:"error"`
}

// writeErr serves ResponseError with its own status, anything else as a 500.
func (h *StatusHandler) writeErr(resp http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var respErr ResponseError
	if errors.As(err, &respErr) {
		status = respErr.Status()
	}
	h.writeJSON(resp, status, errorBody{Error: err.Error()})
}

func (h *StatusHandler) writeJSON(resp http.ResponseWriter, status int, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		h.logger.Logf(log.ErrorLevel, "encoding response: %s", err)
		resp.WriteHeader(http.StatusInternalServerError)
		return
	}

	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(status)

	if _, err := resp.Write(payload); err != nil {
		h.logger.Logf(log.ErrorLevel, "writing response: %s", err)
	}
}
