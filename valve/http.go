// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// HTTP server for valve status and operator requests.

package valve

import (
	"fmt"
	"image/png"
	"log"
	"net/http"
	"strconv"

	"github.com/fogleman/gg"
)

const (
	gaugeWidth  = 240
	gaugeHeight = 60
)

// StatusServer serves the state of a set of valves, and accepts
// requests to signal fitting, set targets and force maintenance runs.
type StatusServer struct {
	valves []*Controller
	mux    *http.ServeMux
}

// NewStatusServer creates a server for the valves.
func NewStatusServer(valves ...*Controller) *StatusServer {
	s := &StatusServer{valves: valves, mux: http.NewServeMux()}
	s.mux.HandleFunc("/status", s.status)
	s.mux.HandleFunc("/valve.png", s.gauge)
	s.mux.HandleFunc("/fitted", s.post(func(c *Controller, r *http.Request) error {
		if !c.IsWaitingForValveToBeFitted() {
			return fmt.Errorf("%s: not waiting for fitting", c.Name())
		}
		c.SignalValveFitted()
		return nil
	}))
	s.mux.HandleFunc("/target", s.post(func(c *Controller, r *http.Request) error {
		pc, err := strconv.ParseUint(r.FormValue("pc"), 10, 8)
		if err != nil {
			return fmt.Errorf("pc: %v", err)
		}
		c.SetTargetPercent(uint8(pc))
		return nil
	}))
	s.mux.HandleFunc("/recalibrate", s.post(func(c *Controller, r *http.Request) error {
		c.Recalibrate()
		return nil
	}))
	s.mux.HandleFunc("/decalcinate", s.post(func(c *Controller, r *http.Request) error {
		c.Decalcinate()
		return nil
	}))
	return s
}

// ServeHTTP implements http.Handler.
func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe runs the server on the port.
func (s *StatusServer) ListenAndServe(port int) error {
	url := fmt.Sprintf(":%d", port)
	log.Printf("Starting server on %s", url)
	server := &http.Server{Addr: url, Handler: s}
	return server.ListenAndServe()
}

// find returns the valve named by the request, or the first valve if unnamed.
func (s *StatusServer) find(r *http.Request) *Controller {
	name := r.FormValue("valve")
	for _, c := range s.valves {
		if name == "" || c.Name() == name {
			return c
		}
	}
	return nil
}

func (s *StatusServer) post(f func(*Controller, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		c := s.find(r)
		if c == nil {
			http.NotFound(w, r)
			return
		}
		if err := f(c, r); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("%s: %s request", c.Name(), r.URL.Path)
		fmt.Fprintln(w, "ok")
	}
}

func (s *StatusServer) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	for _, c := range s.valves {
		cp := c.CalibrationParameters()
		fmt.Fprintf(w, "%s: state=%s current=%d target=%d min=%d open=%v precision=%d ticks=%d/%d marks=%d\n",
			c.Name(), c.State(), c.CurrentPercent(), c.TargetPercent(), c.MinPercentOpen(),
			c.IsControlledValveReallyOpen(), cp.ApproxPrecision(),
			cp.TicksOpenToClosed(), cp.TicksClosedToOpen(), c.Marks())
	}
}

func (s *StatusServer) gauge(w http.ResponseWriter, r *http.Request) {
	c := s.find(r)
	if c == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, drawGauge(c).Image()); err != nil {
		log.Printf("%s: Error writing image: %v", c.Name(), err)
	}
}

// drawGauge draws a horizontal bar of the valve % open, with a marker
// at the target. The bar is red when in error, amber when not in normal running.
func drawGauge(c *Controller) *gg.Context {
	dc := gg.NewContext(gaugeWidth, gaugeHeight)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	switch {
	case c.IsInErrorState():
		dc.SetRGB(0.8, 0, 0)
	case !c.IsInNormalRunState():
		dc.SetRGB(1, 0.6, 0)
	default:
		dc.SetRGB(0, 0, 1)
	}
	const border = 10
	w := float64(gaugeWidth - 2*border)
	dc.DrawRectangle(border, border, w*float64(c.CurrentPercent())/100, gaugeHeight-2*border)
	dc.Fill()
	dc.SetRGB(0, 0, 0)
	dc.SetLineWidth(2)
	dc.DrawRectangle(border, border, w, gaugeHeight-2*border)
	dc.Stroke()
	x := border + w*float64(c.TargetPercent())/100
	dc.SetRGB(1, 0, 1)
	dc.DrawLine(x, 2, x, gaugeHeight-2)
	dc.Stroke()
	return dc
}
