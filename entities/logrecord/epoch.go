//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package logrecord

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EpochRecord marks a change of leadership in the log. It is stored as the
// JSON payload of a system record.
type EpochRecord struct {
	EpochPosition     int64     `json:"epochPosition"`
	EpochNumber       int32     `json:"epochNumber"`
	EpochID           uuid.UUID `json:"epochId"`
	PrevEpochPosition int64     `json:"prevEpochPosition"`
	LeaderInstanceID  uuid.UUID `json:"leaderInstanceId"`
	TimeStamp         time.Time `json:"timeStamp"`
}

func NewEpochSystemRecord(epoch EpochRecord) (*SystemRecord, error) {
	data, err := json.Marshal(epoch)
	if err != nil {
		return nil, errors.Wrap(err, "marshal epoch")
	}

	return &SystemRecord{
		LogPosition:      epoch.EpochPosition,
		TimeStamp:        epoch.TimeStamp,
		SystemRecordType: SystemRecordEpoch,
		Serialization:    SerializationJSON,
		Data:             data,
	}, nil
}

func (s *SystemRecord) Epoch() (EpochRecord, error) {
	var epoch EpochRecord
	if s.SystemRecordType != SystemRecordEpoch {
		return epoch, errors.Errorf("system record of type %d is not an epoch",
			s.SystemRecordType)
	}
	if s.Serialization != SerializationJSON {
		return epoch, errors.Errorf("unsupported epoch serialization %d",
			s.Serialization)
	}

	if err := json.Unmarshal(s.Data, &epoch); err != nil {
		return epoch, errors.Wrap(err, "unmarshal epoch")
	}
	return epoch, nil
}
