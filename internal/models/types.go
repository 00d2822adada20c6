package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types carried on the object detection queue
const (
	MsgTypeFrameData = "FRAME_DATA"
	MsgTypeStreamEnd = "STREAM_END"

	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
)

// TimestampLayout matches the ISO-8601 format the detection publisher writes
const TimestampLayout = "2006-01-02T15:04:05.000000"

// DetectionMessage is one message of the object detection stream
type DetectionMessage struct {
	MsgType   string     `json:"msg_type"`
	Status    string     `json:"status"`
	Timestamp string     `json:"timestamp"`
	Data      *FrameData `json:"data"`
}

// FrameData lists the stored frames for one detected label
type FrameData struct {
	ItemName string   `json:"item_name,omitempty"`
	Frames   []string `json:"frames,omitempty"`
	Bucket   string   `json:"bucket,omitempty"` // empty means the default bucket
}

// IsStreamEnd reports whether the message terminates the stream
func (m DetectionMessage) IsStreamEnd() bool {
	return m.MsgType == MsgTypeStreamEnd
}

// HasData reports whether the message carries a usable item
func (m DetectionMessage) HasData() bool {
	return m.Data != nil && m.Data.ItemName != ""
}

// NewFrameDataMessage builds the FRAME_DATA message sent once a label has enough frames
func NewFrameDataMessage(itemName string, frames []string, bucket string, now time.Time) DetectionMessage {
	return DetectionMessage{
		MsgType:   MsgTypeFrameData,
		Status:    StatusProcessing,
		Timestamp: now.Format(TimestampLayout),
		Data: &FrameData{
			ItemName: itemName,
			Frames:   frames,
			Bucket:   bucket,
		},
	}
}

// NewStreamEndMessage builds the STREAM_END marker
func NewStreamEndMessage(now time.Time) DetectionMessage {
	return DetectionMessage{
		MsgType:   MsgTypeStreamEnd,
		Status:    StatusCompleted,
		Timestamp: now.Format(TimestampLayout),
		Data:      &FrameData{},
	}
}

// ItemResult is one item reported by the VLM.
// Keys other than item_name and match (count, weight, color, size...) are kept
// in Attributes and written back at the top level.
type ItemResult struct {
	ItemName   string
	Match      bool
	Attributes map[string]any
}

// MarshalJSON flattens Attributes next to item_name and match
func (r ItemResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Attributes)+2)
	for k, v := range r.Attributes {
		out[k] = v
	}
	out["item_name"] = r.ItemName
	out["match"] = r.Match
	return json.Marshal(out)
}

// UnmarshalJSON accepts any object with an item_name key
func (r *ItemResult) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = ItemResult{}
	for k, v := range raw {
		switch k {
		case "item_name":
			name, ok := v.(string)
			if !ok && v != nil {
				return fmt.Errorf("item_name must be a string, got %T", v)
			}
			r.ItemName = name
		case "match":
			if b, ok := v.(bool); ok {
				r.Match = b
			}
		default:
			if r.Attributes == nil {
				r.Attributes = make(map[string]any)
			}
			r.Attributes[k] = v
		}
	}
	return nil
}

// ODItem is the object detection stage entry for one label
type ODItem struct {
	ItemName string `json:"item_name"`
	Match    bool   `json:"match"`
}

// BestFrame is the frame chosen for a label and its stability score
type BestFrame struct {
	Object string  `json:"object"`
	Score  float64 `json:"score"`
}

// Stage identifies a pipeline stage
type Stage string

const (
	StageObjectDetection Stage = "object_detection"
	StageVLMEnhancement  Stage = "vlm_enhancement"
	StageAgent           Stage = "agent"
)

// Title is the console label of the stage
func (s Stage) Title() string {
	switch s {
	case StageObjectDetection:
		return "📹 Object Detection"
	case StageVLMEnhancement:
		return "🤖 VLM Enhancement"
	case StageAgent:
		return "🤖 Agent"
	}
	return string(s)
}

// State is the lifecycle state of a stage
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

func (s State) icon() string {
	switch s {
	case StateRunning:
		return "⚡ Running"
	case StateCompleted:
		return "✅ Completed"
	case StateFailed:
		return "❌ Failed"
	case StateSkipped:
		return "⏭️ Skipped"
	}
	return "⏳ Pending"
}

// StageStatus is the current state of one stage
type StageStatus struct {
	Stage   Stage  `json:"stage"`
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

// String renders the status the way the console prints it
func (s StageStatus) String() string {
	line := fmt.Sprintf("%s: %s", s.Stage.Title(), s.State.icon())
	if s.Message != "" {
		line += " - " + s.Message
	}
	return line
}

// RunResult is the outcome of one pipeline run
type RunResult struct {
	RunID        string       `json:"run_id"`
	VideoName    string       `json:"video_name"`
	UseCase      string       `json:"use_case"`
	OD           StageStatus  `json:"od_status"`
	VLM          StageStatus  `json:"vlm_status"`
	Agent        StageStatus  `json:"agent_status"`
	ODResults    []ODItem     `json:"od_results"`
	VLMResults   []ItemResult `json:"vlm_results"`
	AgentResults []ItemResult `json:"agent_results"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// NewRunResult creates a run with every stage pending
func NewRunResult(videoName, useCase string) *RunResult {
	return &RunResult{
		RunID:     NewRunID(),
		VideoName: videoName,
		UseCase:   useCase,
		OD:        StageStatus{Stage: StageObjectDetection, State: StatePending},
		VLM:       StageStatus{Stage: StageVLMEnhancement, State: StatePending},
		Agent:     StageStatus{Stage: StageAgent, State: StatePending},
		StartedAt: time.Now().UTC(),
	}
}

// Succeeded reports whether every stage completed
func (r *RunResult) Succeeded() bool {
	return r.OD.State == StateCompleted && r.VLM.State == StateCompleted && r.Agent.State == StateCompleted
}

// Statuses returns the stage statuses in pipeline order
func (r *RunResult) Statuses() []StageStatus {
	return []StageStatus{r.OD, r.VLM, r.Agent}
}

// Clone returns a copy that shares no slices with r
func (r *RunResult) Clone() *RunResult {
	c := *r
	c.ODResults = append([]ODItem(nil), r.ODResults...)
	c.VLMResults = append([]ItemResult(nil), r.VLMResults...)
	c.AgentResults = append([]ItemResult(nil), r.AgentResults...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ProgressUpdate is published on every stage transition
type ProgressUpdate struct {
	RunID     string    `json:"runId"`
	Stage     Stage     `json:"stage"`
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRunID generates a unique run ID
func NewRunID() string {
	return uuid.New().String()
}
