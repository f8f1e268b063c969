package task

import (
	"encoding/json"
	"fmt"
)

// Payload is implemented by the typed variant of each task type. Producers
// build a variant and enqueue its Map; handlers Decode the stored map back.
type Payload interface {
	TaskType() Type
	Map() map[string]any
}

type EnrichEmail struct {
	Website     string `json:"website"`
	CompanyName string `json:"company_name"`
	ProspectID  string `json:"prospect_id,omitempty"`
}

type RecordSignal struct {
	SignalType string            `json:"signal_type"` // sent, opened, replied, bounced, complained
	Dimensions map[string]string `json:"dimensions"`  // trade, region, hour, template_id
	Value      float64           `json:"value"`
	OutreachID string            `json:"outreach_id"`
}

type ClassifyReply struct {
	Text       string `json:"text"`
	OutreachID string `json:"outreach_id,omitempty"`
}

type SendSMSFollowup struct {
	OutreachID string `json:"outreach_id"`
}

type SendSequenceEmail struct {
	OutreachID string `json:"outreach_id"`
	CampaignID string `json:"campaign_id,omitempty"`
	Step       int    `json:"step,omitempty"`
	Reason     string `json:"reason,omitempty"` // why the send was deferred
}

func (EnrichEmail) TaskType() Type       { return TypeEnrichEmail }
func (RecordSignal) TaskType() Type      { return TypeRecordSignal }
func (ClassifyReply) TaskType() Type     { return TypeClassifyReply }
func (SendSMSFollowup) TaskType() Type   { return TypeSendSMSFollowup }
func (SendSequenceEmail) TaskType() Type { return TypeSendSequenceEmail }

func (p EnrichEmail) Map() map[string]any       { return toMap(p) }
func (p RecordSignal) Map() map[string]any      { return toMap(p) }
func (p ClassifyReply) Map() map[string]any     { return toMap(p) }
func (p SendSMSFollowup) Map() map[string]any   { return toMap(p) }
func (p SendSequenceEmail) Map() map[string]any { return toMap(p) }

func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// Decode converts a stored payload into the typed variant for t after
// checking the schema.
func Decode(t Type, payload map[string]any) (Payload, error) {
	if err := Validate(t, payload); err != nil {
		return nil, err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var p Payload
	switch t {
	case TypeEnrichEmail:
		var v EnrichEmail
		err = json.Unmarshal(b, &v)
		p = v
	case TypeRecordSignal:
		var v RecordSignal
		err = json.Unmarshal(b, &v)
		p = v
	case TypeClassifyReply:
		var v ClassifyReply
		err = json.Unmarshal(b, &v)
		p = v
	case TypeSendSMSFollowup:
		var v SendSMSFollowup
		err = json.Unmarshal(b, &v)
		p = v
	case TypeSendSequenceEmail:
		var v SendSequenceEmail
		err = json.Unmarshal(b, &v)
		p = v
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
