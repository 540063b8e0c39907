package monitor

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
)

// Routes returns the scheduler's HTTP surface.  The UI (or curl) owns
// display and formatting; these endpoints only move data.
func (s *Scheduler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/records/new", s.httpNewData)
	r.Get("/records/count", s.httpCount)
	r.Get("/devices", s.httpDevices)
	r.Get("/dropped", s.httpDropped)
	r.Post("/interval", s.httpSetInterval)
	r.Post("/save", s.httpSave)
	r.Post("/clear", s.httpClear)
	return r
}

func respondJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Scheduler) httpNewData(w http.ResponseWriter, r *http.Request) {
	records := s.GetNewData()
	if records == nil {
		records = []Record{}
	}
	respondJSON(w, records)
}

func (s *Scheduler) httpCount(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]int{"count": s.Count()})
}

func (s *Scheduler) httpDevices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.Devices())
}

func (s *Scheduler) httpDropped(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]uint64{"dropped": s.Dropped()})
}

func (s *Scheduler) httpSetInterval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Seconds float64 `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.SetSampleInterval(time.Duration(body.Seconds * float64(time.Second)))
	respondJSON(w, map[string]float64{"seconds": s.Interval().Seconds()})
}

func (s *Scheduler) httpSave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok, err := s.SaveCSV(body.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]bool{"saved": ok})
}

func (s *Scheduler) httpClear(w http.ResponseWriter, r *http.Request) {
	s.Clear()
	w.WriteHeader(http.StatusOK)
}
