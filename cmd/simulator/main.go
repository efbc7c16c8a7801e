package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/schoolbus-tracking/internal/tracker"
)

// Location is a point on the map.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Start points for simulated routes.
var cities = []Location{
	{Lat: 28.6139, Lon: 77.2090},   // Delhi
	{Lat: 19.0760, Lon: 72.8777},   // Mumbai
	{Lat: 12.9716, Lon: 77.5946},   // Bengaluru
	{Lat: 51.5074, Lon: -0.1278},   // London
	{Lat: 40.7128, Lon: -74.0060},  // New York
	{Lat: 40.4168, Lon: -3.7038},   // Madrid
	{Lat: -33.8688, Lon: 151.2093}, // Sydney
	{Lat: 1.3521, Lon: 103.8198},   // Singapore
}

// driverLogin is one simulated bus: the driver's credentials and the bus they drive.
type driverLogin struct {
	Username  string
	Password  string
	VehicleID string
}

// parseDrivers reads "user:password:vehicle" entries separated by commas.
func parseDrivers(raw string) ([]driverLogin, error) {
	var drivers []driverLogin
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid driver entry %q, want user:password:vehicle", entry)
		}
		drivers = append(drivers, driverLogin{Username: parts[0], Password: parts[1], VehicleID: parts[2]})
	}
	if len(drivers) == 0 {
		return nil, fmt.Errorf("no drivers configured")
	}
	return drivers, nil
}

func jitterLocation(rng *rand.Rand, base Location, meters float64) Location {
	latMetersPerDeg := 111320.0
	lonMetersPerDeg := 111320.0 * math.Cos(base.Lat*math.Pi/180)
	dLat := (rng.Float64()*2 - 1) * (meters / latMetersPerDeg)
	dLon := (rng.Float64()*2 - 1) * (meters / lonMetersPerDeg)
	return Location{Lat: base.Lat + dLat, Lon: base.Lon + dLon}
}

func haversineKm(a, b Location) float64 {
	R := 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	s := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
	return R * c
}

// bearingDeg is the initial compass bearing from a to b in [0,360).
func bearingDeg(a, b Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

func lerp(a, b Location, t float64) Location {
	return Location{Lat: a.Lat + (b.Lat-a.Lat)*t, Lon: a.Lon + (b.Lon-a.Lon)*t}
}

// osrmPlanner asks an OSRM server for a driving route.
type osrmPlanner struct {
	baseURL string
	client  *http.Client
}

func (p *osrmPlanner) route(ctx context.Context, start, end Location) ([]Location, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson",
		strings.TrimSuffix(p.baseURL, "/"), start.Lon, start.Lat, end.Lon, end.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var obj struct {
		Routes []struct {
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	if len(obj.Routes) == 0 || len(obj.Routes[0].Geometry.Coordinates) < 2 {
		return nil, fmt.Errorf("no route")
	}
	coords := obj.Routes[0].Geometry.Coordinates
	pts := make([]Location, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		pts = append(pts, Location{Lat: c[1], Lon: c[0]})
	}
	return pts, nil
}

type busRoute struct {
	Points    []Location
	SegIndex  int
	SegOffset float64 // km along current segment
}

// routeSource drives a bus along a route and implements tracker.PositionSource.
type routeSource struct {
	mu       sync.Mutex
	rng      *rand.Rand
	planner  *osrmPlanner
	now      func() time.Time
	position Location
	speedKmh float64
	route    *busRoute
	last     time.Time
}

func newRouteSource(rng *rand.Rand, planner *osrmPlanner, start Location) *routeSource {
	return &routeSource{
		rng:      rng,
		planner:  planner,
		now:      time.Now,
		position: start,
		speedKmh: 20 + rng.Float64()*20,
	}
}

// Sample advances the bus by the time elapsed since the previous sample.
func (s *routeSource) Sample(ctx context.Context) (tracker.Fix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	elapsed := 0.0
	if !s.last.IsZero() {
		elapsed = now.Sub(s.last).Seconds()
	}
	s.last = now

	// School buses crawl through town.
	s.speedKmh += (s.rng.Float64()*2 - 1) * 1.5
	s.speedKmh = math.Max(10, math.Min(50, s.speedKmh))

	s.step(ctx, elapsed)

	heading := s.heading()
	speed := s.speedKmh / 3.6
	return tracker.Fix{
		Lat:     s.position.Lat,
		Lng:     s.position.Lon,
		Heading: &heading,
		Speed:   &speed,
	}, nil
}

func (s *routeSource) heading() float64 {
	r := s.route
	if r == nil || r.SegIndex >= len(r.Points)-1 {
		return 0
	}
	return bearingDeg(r.Points[r.SegIndex], r.Points[r.SegIndex+1])
}

func (s *routeSource) planRoute(ctx context.Context) {
	start := s.position
	end := jitterLocation(s.rng, start, 5000)
	if s.planner != nil {
		pts, err := s.planner.route(ctx, start, end)
		if err == nil {
			s.route = &busRoute{Points: pts}
			return
		}
		log.WithError(err).Debug("Route lookup failed, driving a straight leg")
	}
	s.route = &busRoute{Points: []Location{start, end}}
}

func (s *routeSource) step(ctx context.Context, tickSec float64) {
	if s.route == nil || len(s.route.Points) < 2 {
		s.planRoute(ctx)
	}
	remKm := s.speedKmh * (tickSec / 3600.0)
	for remKm > 0 && s.route.SegIndex < len(s.route.Points)-1 {
		a := s.route.Points[s.route.SegIndex]
		b := s.route.Points[s.route.SegIndex+1]
		segLen := haversineKm(a, b)
		leftOnSeg := segLen - s.route.SegOffset
		if remKm >= leftOnSeg {
			s.position = b
			s.route.SegIndex++
			s.route.SegOffset = 0
			remKm -= leftOnSeg
			continue
		}
		t := math.Max(0, math.Min(1, (s.route.SegOffset+remKm)/segLen))
		s.position = lerp(a, b, t)
		s.route.SegOffset += remKm
		remKm = 0
	}
	if s.route.SegIndex >= len(s.route.Points)-1 {
		s.planRoute(ctx)
	}
}

// startDriver logs in and resumes the driver's loop, or starts a new one.
func startDriver(ctx context.Context, apiURL string, d driverLogin, source tracker.PositionSource, interval time.Duration) (*tracker.Tracker, error) {
	client := tracker.NewClient(apiURL, 10*time.Second)
	if _, err := client.Login(ctx, d.Username, d.Password); err != nil {
		return nil, fmt.Errorf("login %s: %w", d.Username, err)
	}

	tr := tracker.New(client, d.VehicleID, source, interval)
	resumed, err := tr.Resume(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", d.VehicleID, err)
	}
	if !resumed {
		tr.Start(ctx)
	}
	return tr, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	apiURL := getEnv("API_BASE_URL", "http://localhost:8080")
	drivers, err := parseDrivers(getEnv("SIM_DRIVERS", "driver1:password123:bus-1"))
	if err != nil {
		log.WithError(err).Fatal("Invalid SIM_DRIVERS")
	}

	interval := 5 * time.Second
	if v := os.Getenv("SIM_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			interval = time.Duration(n) * time.Second
		}
	}

	var planner *osrmPlanner
	if osrmURL := getEnv("OSRM_URL", "https://router.project-osrm.org"); osrmURL != "off" {
		planner = &osrmPlanner{baseURL: osrmURL, client: &http.Client{Timeout: 10 * time.Second}}
	}

	log.WithFields(log.Fields{
		"drivers":  len(drivers),
		"api_url":  apiURL,
		"interval": interval,
	}).Info("Starting bus simulation")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var trackers []*tracker.Tracker
	for _, d := range drivers {
		start := jitterLocation(rng, cities[rng.Intn(len(cities))], 500)
		source := newRouteSource(rand.New(rand.NewSource(rng.Int63())), planner, start)
		tr, err := startDriver(ctx, apiURL, d, source, interval)
		if err != nil {
			log.WithError(err).Error("Failed to start driver")
			continue
		}
		trackers = append(trackers, tr)
	}
	if len(trackers) == 0 {
		log.Fatal("No drivers started. Check SIM_DRIVERS and that the API is reachable.")
	}

	<-ctx.Done()
	log.Info("Stopping simulation")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, tr := range trackers {
		if err := tr.Stop(stopCtx); err != nil {
			log.WithError(err).Warn("Failed to stop tracking")
		}
	}
}
