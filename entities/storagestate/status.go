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

package storagestate

import "errors"

const (
	StatusReadOnly Status = "READONLY"
	StatusReady    Status = "READY"
	// StatusHalted is entered on unrecoverable conditions such as checkpoint
	// divergence. Only an operator can bring the store back.
	StatusHalted Status = "HALTED"
)

var (
	ErrStatusReadOnly = errors.New("store is read-only")
	ErrStatusHalted   = errors.New("store is halted")
	ErrInvalidStatus  = errors.New("invalid storage status")
)

type Status string

func (s Status) String() string {
	return string(s)
}

// Err returns the error a write should fail with in this status, or nil.
func (s Status) Err() error {
	switch s {
	case StatusReadOnly:
		return ErrStatusReadOnly
	case StatusHalted:
		return ErrStatusHalted
	default:
		return nil
	}
}

func ValidateStatus(in string) (status Status, err error) {
	switch in {
	case string(StatusReadOnly):
		status = StatusReadOnly
	case string(StatusReady):
		status = StatusReady
	case string(StatusHalted):
		status = StatusHalted
	default:
		err = ErrInvalidStatus
	}

	return
}
