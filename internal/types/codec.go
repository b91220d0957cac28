package types

import (
	"encoding/json"
	"fmt"
)

// Codec serializes/deserializes the domain records to/from opaque byte
// blobs for storage in the coordinator. The stored encoding is JSON;
// nothing outside this package depends on the wire form.
type Codec struct{}

func NewCodec() Codec { return Codec{} }

func (Codec) EncodeRunnableTask(r *RunnableTask) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode runnable task: %w", err)
	}
	return b, nil
}

func (Codec) DecodeRunnableTask(data []byte) (*RunnableTask, error) {
	var r RunnableTask
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode runnable task: %w", err)
	}
	return &r, nil
}

func (Codec) EncodeExecutableTask(t *ExecutableTask) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode executable task: %w", err)
	}
	return b, nil
}

func (Codec) DecodeExecutableTask(data []byte) (*ExecutableTask, error) {
	var t ExecutableTask
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode executable task: %w", err)
	}
	return &t, nil
}

func (Codec) EncodeStartedTask(s *StartedTask) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode started task: %w", err)
	}
	return b, nil
}

func (Codec) DecodeStartedTask(data []byte) (*StartedTask, error) {
	var s StartedTask
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode started task: %w", err)
	}
	return &s, nil
}

func (Codec) EncodeResult(r *TaskExecutionResult) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode execution result: %w", err)
	}
	return b, nil
}

func (Codec) DecodeResult(data []byte) (*TaskExecutionResult, error) {
	var r TaskExecutionResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode execution result: %w", err)
	}
	return &r, nil
}
