// Package status serves the state of the devices over HTTP and lets
// clients tune configured channels.
package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/RabbitLabs/dvbsc/device"
	"github.com/RabbitLabs/dvbsc/internal/log"
)

type ApiServer struct {
	manager  *device.Manager
	channels []device.Channel
	router   *mux.Router
}

type managerState struct {
	State  device.State `json:"state"`
	Budget []int        `json:"budget"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewApiServer(manager *device.Manager, channels []device.Channel) *ApiServer {
	api := &ApiServer{
		manager:  manager,
		channels: channels,
		router:   mux.NewRouter(),
	}

	api.router.HandleFunc("/api/v1/state", api.onState).Methods(http.MethodGet)
	api.router.HandleFunc("/api/v1/devices", api.onDeviceList).Methods(http.MethodGet)
	api.router.HandleFunc("/api/v1/devices/{adapter:[0-9]+}", api.onDevice).Methods(http.MethodGet)
	api.router.HandleFunc("/api/v1/channels", api.onChannelList).Methods(http.MethodGet)
	api.router.HandleFunc("/api/v1/channels/{number:[0-9]+}/tune", api.onTune).Methods(http.MethodPost)
	return api
}

func (api *ApiServer) Router() *mux.Router {
	return api.router
}

func (api *ApiServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.router.ServeHTTP(w, r)
}

func httpResponseJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Sugar.Warnf("status: write response: %s", err.Error())
	}
}

func httpResponseError(w http.ResponseWriter, code int, err error) {
	httpResponseJSON(w, code, errorResponse{Error: err.Error()})
}

func (api *ApiServer) onState(w http.ResponseWriter, r *http.Request) {
	st := managerState{State: api.manager.State(), Budget: []int{}}
	for _, d := range api.manager.Devices() {
		if api.manager.ForceBudget(d.Adapter()) {
			st.Budget = append(st.Budget, d.Adapter())
		}
	}
	httpResponseJSON(w, http.StatusOK, st)
}

func (api *ApiServer) onDeviceList(w http.ResponseWriter, r *http.Request) {
	list := make([]device.Status, 0)
	for _, d := range api.manager.Devices() {
		list = append(list, d.Status())
	}
	httpResponseJSON(w, http.StatusOK, list)
}

func (api *ApiServer) onDevice(w http.ResponseWriter, r *http.Request) {
	adapter, err := strconv.Atoi(mux.Vars(r)["adapter"])
	if err != nil {
		httpResponseError(w, http.StatusBadRequest, err)
		return
	}

	d, err := api.manager.Device(adapter)
	if err != nil {
		httpResponseError(w, http.StatusNotFound, err)
		return
	}
	httpResponseJSON(w, http.StatusOK, d.Status())
}

func (api *ApiServer) onChannelList(w http.ResponseWriter, r *http.Request) {
	list := api.channels
	if list == nil {
		list = []device.Channel{}
	}
	httpResponseJSON(w, http.StatusOK, list)
}

var errUnknownChannel = errors.New("status: unknown channel")

// onTune switches a device to a configured channel, ?live=false selects a
// recording instead of live view.
func (api *ApiServer) onTune(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(mux.Vars(r)["number"])
	if err != nil {
		httpResponseError(w, http.StatusBadRequest, err)
		return
	}

	live := true
	if v := r.URL.Query().Get("live"); v != "" {
		if live, err = strconv.ParseBool(v); err != nil {
			httpResponseError(w, http.StatusBadRequest, err)
			return
		}
	}

	var ch *device.Channel
	for i := range api.channels {
		if api.channels[i].Number == number {
			ch = &api.channels[i]
			break
		}
	}
	if ch == nil {
		httpResponseError(w, http.StatusNotFound, errUnknownChannel)
		return
	}

	start := time.Now()
	d, err := api.manager.Tune(*ch, live)
	if err != nil {
		log.Sugar.Warnf("status: tune %s: %s", ch.String(), err.Error())
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, device.ErrNoCandidate), errors.Is(err, device.ErrUnviewable):
			code = http.StatusConflict
		case errors.Is(err, device.ErrNotReady):
			code = http.StatusServiceUnavailable
		}
		httpResponseError(w, code, err)
		return
	}
	log.Sugar.Infof("status: %s tuned to %s in %s", d.Name(), ch.String(), time.Since(start))
	httpResponseJSON(w, http.StatusOK, d.Status())
}
