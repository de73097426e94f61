package model

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON renders Status as its bare integer. The bitwise
// encoding is contractual for external consumers (web UI, DB
// queries, MQTT topic filters), so it is never rendered as a name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(s))
}

// UnmarshalJSON parses a bare integer into Status.
func (s *Status) UnmarshalJSON(data []byte) error {
	var i int
	if err := json.Unmarshal(data, &i); err != nil {
		return fmt.Errorf("model: decoding status: %w", err)
	}
	*s = Status(i)
	return nil
}

// eventAlias avoids infinite recursion through Event's own
// MarshalJSON/UnmarshalJSON.
type eventAlias Event

// MarshalJSON includes the event's derived topic alongside its
// fields, matching the broker payload contract in which messages
// mirror entity attributes.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		eventAlias
		Topic string `json:"topic"`
	}{eventAlias(*e), e.Topic()})
}

// UnmarshalJSON ignores any "topic" field present in the payload;
// topic is always derived, never stored.
func (e *Event) UnmarshalJSON(data []byte) error {
	var a eventAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("model: decoding event: %w", err)
	}
	*e = Event(a)
	return nil
}

type jobAlias Job

func (j *Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		jobAlias
		Topic string `json:"topic"`
	}{jobAlias(*j), j.Topic()})
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var a jobAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("model: decoding job: %w", err)
	}
	*j = Job(a)
	return nil
}

type taskAlias Task

func (t *Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		taskAlias
		Topic string `json:"topic"`
	}{taskAlias(*t), t.Topic()})
}

func (t *Task) UnmarshalJSON(data []byte) error {
	var a taskAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("model: decoding task: %w", err)
	}
	*t = Task(a)
	return nil
}

type builderAlias Builder

func (b *Builder) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		builderAlias
		Topic string `json:"topic"`
	}{builderAlias(*b), b.Topic()})
}

func (b *Builder) UnmarshalJSON(data []byte) error {
	var a builderAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("model: decoding builder: %w", err)
	}
	*b = Builder(a)
	return nil
}
