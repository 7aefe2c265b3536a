package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskConductorResend = "conductor.resend"

const TaskDeadLetterRetry = "deadletter.retry"

type ConductorResendPayload struct {
	LeadID    string `json:"leadId"`
	MessageID string `json:"messageId"`
}

type DeadLetterRetryPayload struct {
	UnitID string `json:"unitId"`
}

func NewConductorResendTask(payload ConductorResendPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConductorResend, data), nil
}

func ParseConductorResendPayload(task *asynq.Task) (ConductorResendPayload, error) {
	var payload ConductorResendPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ConductorResendPayload{}, err
	}
	return payload, nil
}

func NewDeadLetterRetryTask(payload DeadLetterRetryPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDeadLetterRetry, data), nil
}

func ParseDeadLetterRetryPayload(task *asynq.Task) (DeadLetterRetryPayload, error) {
	var payload DeadLetterRetryPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return DeadLetterRetryPayload{}, err
	}
	return payload, nil
}
