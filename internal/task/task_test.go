package task

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		name string
		k    int
		want time.Duration
	}{
		{name: "first retry", k: 1, want: 30 * time.Second},
		{name: "second retry", k: 2, want: 120 * time.Second},
		{name: "third retry", k: 3, want: 480 * time.Second},
		{name: "fourth retry", k: 4, want: 1920 * time.Second},
		{name: "zero clamps to first", k: 0, want: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Backoff(tt.k); got != tt.want {
				t.Errorf("Backoff(%d) = %v, want %v", tt.k, got, tt.want)
			}
		})
	}
}

func TestBackoff_Growth(t *testing.T) {
	for k := 1; k < 10; k++ {
		if got, want := Backoff(k+1), 4*Backoff(k); got != want {
			t.Errorf("Backoff(%d) = %v, want 4*Backoff(%d) = %v", k+1, got, k, want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		payload map[string]any
		wantErr error
	}{
		{
			name:    "enrich email complete",
			typ:     TypeEnrichEmail,
			payload: map[string]any{"website": "https://acme.example", "company_name": "Acme"},
		},
		{
			name:    "enrich email missing company",
			typ:     TypeEnrichEmail,
			payload: map[string]any{"website": "https://acme.example"},
			wantErr: ErrMissingField,
		},
		{
			name: "record signal complete",
			typ:  TypeRecordSignal,
			payload: map[string]any{
				"signal_type": "replied",
				"dimensions":  map[string]any{"trade": "plumbing"},
				"value":       1.0,
				"outreach_id": "p-1",
			},
		},
		{
			name:    "record signal nil dimensions",
			typ:     TypeRecordSignal,
			payload: map[string]any{"signal_type": "replied", "dimensions": nil, "value": 1.0, "outreach_id": "p-1"},
			wantErr: ErrMissingField,
		},
		{
			name:    "classify reply",
			typ:     TypeClassifyReply,
			payload: map[string]any{"text": "sounds good"},
		},
		{
			name:    "sms followup",
			typ:     TypeSendSMSFollowup,
			payload: map[string]any{"outreach_id": "p-1"},
		},
		{
			name:    "sequence email missing id",
			typ:     TypeSendSequenceEmail,
			payload: map[string]any{},
			wantErr: ErrMissingField,
		},
		{
			name:    "unknown type",
			typ:     Type("send_fax"),
			payload: map[string]any{},
			wantErr: ErrUnknownType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.typ, tt.payload)
			if tt.wantErr == nil && err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestType_Known(t *testing.T) {
	for _, typ := range Types {
		if !typ.Known() {
			t.Errorf("%s.Known() = false, want true", typ)
		}
	}
	if Type("unknown").Known() {
		t.Error(`Type("unknown").Known() = true, want false`)
	}
}

func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   Payload
	}{
		{name: "enrich email", in: EnrichEmail{Website: "acme.example", CompanyName: "Acme", ProspectID: "p-1"}},
		{name: "record signal", in: RecordSignal{SignalType: "sent", Dimensions: map[string]string{"hour": "9"}, Value: 1, OutreachID: "p-1"}},
		{name: "classify reply", in: ClassifyReply{Text: "not interested", OutreachID: "p-1"}},
		{name: "sms followup", in: SendSMSFollowup{OutreachID: "p-2"}},
		{name: "sequence email", in: SendSequenceEmail{OutreachID: "p-3", CampaignID: "c-1", Step: 2, Reason: "smart_timing"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.in.Map()
			if err := Validate(tt.in.TaskType(), m); err != nil {
				t.Fatalf("Validate(Map()) error = %v", err)
			}
			got, err := Decode(tt.in.TaskType(), m)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.in) {
				t.Errorf("Decode() = %#v, want %#v", got, tt.in)
			}
		})
	}

	if _, err := Decode(TypeSendSMSFollowup, map[string]any{}); !errors.Is(err, ErrMissingField) {
		t.Errorf("Decode(empty) error = %v, want ErrMissingField", err)
	}
}

func TestNewDeadLetter(t *testing.T) {
	tk := Task{
		ID:         "t-1",
		Type:       TypeEnrichEmail,
		Status:     StatusFailed,
		RetryCount: 3,
		MaxRetries: 3,
	}
	headers := map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}

	dl := NewDeadLetter(tk, "discovery timeout", "max retries reached (3)", headers)

	if dl.Type != DLQType {
		t.Errorf("Type = %q, want %q", dl.Type, DLQType)
	}
	if dl.Version != "v1" {
		t.Errorf("Version = %q, want v1", dl.Version)
	}
	if dl.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", dl.RetryCount)
	}
	if _, err := time.Parse(time.RFC3339Nano, dl.At); err != nil {
		t.Errorf("At = %q is not RFC3339Nano: %v", dl.At, err)
	}

	b, err := json.Marshal(dl)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if decoded["last_error"] != "discovery timeout" {
		t.Errorf("last_error = %v, want discovery timeout", decoded["last_error"])
	}
	inner, _ := decoded["task"].(map[string]any)
	if inner["task_type"] != "enrich_email" {
		t.Errorf("task.task_type = %v, want enrich_email", inner["task_type"])
	}
}
