// Package workload reads the camera-to-workload mapping and resolves the
// single camera that runs the lp_vlm workload.
package workload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
)

// TargetWorkload is compared after trimming and lower-casing
const TargetWorkload = "lp_vlm"

// DefaultConfigPath is used when neither a path nor CAMERA_STREAM is given
const DefaultConfigPath = "../../configs/camera_to_workload.json"

var (
	ErrNoCameras          = errors.New("no cameras found in configuration")
	ErrNoVLMCamera        = errors.New("no lp_vlm workload found in any camera")
	ErrMultipleVLMCameras = errors.New("more than one lp_vlm workload defined")
	ErrStreamUnavailable  = errors.New("rtsp stream not available")
)

// Scalar holds a JSON string or number as text. Set reports whether the key
// was present and not null.
type Scalar struct {
	Value string
	Set   bool
}

func (s *Scalar) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = Scalar{}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = Scalar{Value: str, Set: true}
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = Scalar{Value: num.String(), Set: true}
	return nil
}

// String returns the trimmed value
func (s Scalar) String() string {
	return strings.TrimSpace(s.Value)
}

// Workloads accepts both a list and a single string
type Workloads []string

func (w *Workloads) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*w = Workloads{one}
		return nil
	}
	var many []any
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("workloads must be a string or list: %w", err)
	}
	out := make(Workloads, 0, len(many))
	for _, v := range many {
		out = append(out, fmt.Sprint(v))
	}
	*w = out
	return nil
}

// ROI is the camera region of interest
type ROI struct {
	X  Scalar `json:"x"`
	Y  Scalar `json:"y"`
	X2 Scalar `json:"x2"`
	Y2 Scalar `json:"y2"`
}

// String formats the region as x,y,x2,y2; missing values stay empty
func (r ROI) String() string {
	return strings.Join([]string{r.X.Value, r.Y.Value, r.X2.Value, r.Y2.Value}, ",")
}

// Camera is one entry of lane_config.cameras
type Camera struct {
	CameraID  Scalar    `json:"camera_id"`
	FileSrc   Scalar    `json:"fileSrc"`
	Width     Scalar    `json:"width"`
	FPS       Scalar    `json:"fps"`
	Workloads Workloads `json:"workloads"`
	ROI       ROI       `json:"region_of_interest"`

	StreamURI  Scalar `json:"streamUri"`
	StreamURI2 Scalar `json:"stream_uri"`
	RTSPURI    Scalar `json:"rtspUri"`
	RTSPURL    Scalar `json:"rtsp_url"`
}

// Config is the camera-to-workload mapping file
type Config struct {
	LaneConfig struct {
		Cameras []Camera `json:"cameras"`
	} `json:"lane_config"`
}

// StreamInfo describes the lp_vlm camera stream
type StreamInfo struct {
	Name string `json:"stream_name"`
	URI  string `json:"stream_uri"`
	ROI  string `json:"roi"`
}

// Endpoint is the RTSP server streams are served from
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) hostPort(fallbackHost string, fallbackPort int) string {
	host, port := e.Host, e.Port
	if host == "" {
		host = fallbackHost
	}
	if port == 0 {
		port = fallbackPort
	}
	return host + ":" + strconv.Itoa(port)
}

// ConfigPath picks explicit, then CAMERA_STREAM, then DefaultConfigPath
func ConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("CAMERA_STREAM"); env != "" {
		return env
	}
	return DefaultConfigPath
}

// Load reads and parses a camera config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid camera config %s: %w", path, err)
	}
	return &cfg, nil
}

// CameraHasVLM reports whether the camera runs the lp_vlm workload
func CameraHasVLM(cam Camera) bool {
	for _, w := range cam.Workloads {
		if strings.ToLower(strings.TrimSpace(w)) == TargetWorkload {
			return true
		}
	}
	return false
}

// ExtractVideoName returns the file stem of fileSrc, suffixed with
// -<width>-<fps>-bench when both are given
func ExtractVideoName(fileSrc string, width, fps Scalar) string {
	raw := firstSource(fileSrc)
	if raw == "" {
		return ""
	}
	base := path.Base(raw)
	base = strings.TrimSuffix(base, path.Ext(base))
	if base == "" || base == "." || base == "/" {
		return ""
	}
	if !width.Set || !fps.Set {
		return base
	}
	return fmt.Sprintf("%s-%s-%s-bench", base, width.String(), fps.String())
}

// firstSource trims the part of fileSrc before the first '|'
func firstSource(fileSrc string) string {
	raw, _, _ := strings.Cut(fileSrc, "|")
	return strings.TrimSpace(raw)
}

// DeriveStreamURI builds the RTSP URI for a camera. fileSrc is preferred,
// then the legacy stream URI keys, then the camera id.
func DeriveStreamURI(cam Camera, ep Endpoint) string {
	if src := firstSource(cam.FileSrc.Value); src != "" {
		base := strings.TrimSuffix(src, ".mp4")
		width, fps := "1920", "15"
		if cam.Width.Set {
			width = cam.Width.String()
		}
		if cam.FPS.Set {
			fps = cam.FPS.String()
		}
		return fmt.Sprintf("rtsp://%s/%s-%s-%s-bench", ep.hostPort("rtsp-streamer", 8554), base, width, fps)
	}

	for _, key := range []Scalar{cam.StreamURI, cam.StreamURI2, cam.RTSPURI, cam.RTSPURL} {
		cleaned := strings.Trim(strings.TrimSpace(key.Value), `"'`)
		if cleaned == "" {
			continue
		}
		if strings.Contains(cleaned, "://") {
			if u, err := url.Parse(cleaned); err == nil {
				return rebase(u, ep)
			}
		}
		if !strings.HasPrefix(cleaned, "/") {
			cleaned = "/" + cleaned
		}
		return fmt.Sprintf("rtsp://%s%s", ep.hostPort("rtsp-streamer", 8554), cleaned)
	}

	if id := cam.CameraID.String(); id != "" {
		return fmt.Sprintf("rtsp://%s/%s", ep.hostPort("rtsp-streamer", 8554), id)
	}
	return ""
}

// rebase points u at the configured endpoint, keeping scheme, path and query
func rebase(u *url.URL, ep Endpoint) string {
	scheme := u.Scheme
	if scheme == "" {
		scheme = "rtsp"
	}
	fallbackHost := u.Hostname()
	if fallbackHost == "" {
		fallbackHost = "rtsp-streamer"
	}
	fallbackPort := 8554
	if p, err := strconv.Atoi(u.Port()); err == nil {
		fallbackPort = p
	}
	out := fmt.Sprintf("%s://%s%s", scheme, ep.hostPort(fallbackHost, fallbackPort), u.Path)
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

// DeriveStreamName prefers the camera id, then the last path segment or host
// of uri, then the video name from fileSrc
func DeriveStreamName(cam Camera, uri string) string {
	if id := cam.CameraID.String(); id != "" {
		return id
	}
	if uri != "" {
		if u, err := url.Parse(uri); err == nil {
			if name := path.Base(u.Path); name != "" && name != "." && name != "/" {
				return name
			}
			if u.Hostname() != "" {
				return u.Hostname()
			}
		}
	}
	return ExtractVideoName(cam.FileSrc.Value, cam.Width, cam.FPS)
}

// HasLPVLMWorkload reports whether any camera in the file runs lp_vlm
func HasLPVLMWorkload(path string) (bool, error) {
	cfg, err := Load(path)
	if err != nil {
		return false, err
	}
	for _, cam := range cfg.LaneConfig.Cameras {
		if CameraHasVLM(cam) {
			return true, nil
		}
	}
	return false, nil
}

// Prober checks whether an RTSP stream is being served
type Prober interface {
	Available(ctx context.Context, uri string) bool
}

// Resolve validates that exactly one camera runs lp_vlm and describes its stream.
// A nil prober skips the availability check.
func Resolve(ctx context.Context, path string, ep Endpoint, prober Prober) (StreamInfo, error) {
	cfg, err := Load(path)
	if err != nil {
		return StreamInfo{}, err
	}
	cameras := cfg.LaneConfig.Cameras
	if len(cameras) == 0 {
		return StreamInfo{}, ErrNoCameras
	}

	var vlm []Camera
	for _, cam := range cameras {
		if CameraHasVLM(cam) {
			vlm = append(vlm, cam)
		}
	}
	switch len(vlm) {
	case 0:
		all := make([][]string, 0, len(cameras))
		for _, c := range cameras {
			all = append(all, c.Workloads)
		}
		return StreamInfo{}, fmt.Errorf("%w; available workloads: %v", ErrNoVLMCamera, all)
	case 1:
	default:
		ids := make([]string, 0, len(vlm))
		for _, c := range vlm {
			ids = append(ids, cameraID(c))
		}
		return StreamInfo{}, fmt.Errorf("%w: found %d cameras with lp_vlm: %v", ErrMultipleVLMCameras, len(vlm), ids)
	}

	cam := vlm[0]
	uri := DeriveStreamURI(cam, ep)
	name := DeriveStreamName(cam, uri)
	if uri == "" {
		return StreamInfo{}, fmt.Errorf("camera %s is missing an RTSP stream URI", cameraID(cam))
	}
	if name == "" {
		return StreamInfo{}, fmt.Errorf("camera %s has no stream identifier", cameraID(cam))
	}

	if prober != nil && strings.HasPrefix(uri, "rtsp://") && !prober.Available(ctx, uri) {
		return StreamInfo{}, fmt.Errorf("%w for camera %s: %s; expected video: %s",
			ErrStreamUnavailable, cameraID(cam), uri, firstSource(cam.FileSrc.Value))
	}

	return StreamInfo{Name: name, URI: uri, ROI: cam.ROI.String()}, nil
}

func cameraID(c Camera) string {
	if c.CameraID.Set {
		return c.CameraID.Value
	}
	return "unknown"
}
