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

package transactionlog

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

type TransformType byte

const (
	TransformIdentity TransformType = 0
	TransformSnappy   TransformType = 1
)

func (t TransformType) String() string {
	switch t {
	case TransformIdentity:
		return "identity"
	case TransformSnappy:
		return "snappy"
	default:
		return "custom"
	}
}

func ParseTransformType(name string) (TransformType, error) {
	switch name {
	case "", "identity":
		return TransformIdentity, nil
	case "snappy":
		return TransformSnappy, nil
	default:
		return 0, errors.Errorf("unknown chunk transform %q", name)
	}
}

// Transform is applied to every record payload on its way into and out of a
// chunk. The transform of a chunk is fixed by its header, so chunks written
// with different transforms can coexist in one log.
type Transform interface {
	Type() TransformType
	Encode(data []byte) []byte
	Decode(data []byte) ([]byte, error)
}

// Transforms resolves header transform tags to implementations. External
// modules, for example encryption at rest, add theirs with Register.
type Transforms map[TransformType]Transform

func DefaultTransforms() Transforms {
	return Transforms{
		TransformIdentity: identityTransform{},
		TransformSnappy:   snappyTransform{},
	}
}

func (t Transforms) Register(transform Transform) error {
	if _, ok := t[transform.Type()]; ok {
		return errors.Errorf("transform %d is already registered", transform.Type())
	}
	t[transform.Type()] = transform
	return nil
}

func (t Transforms) Get(typ TransformType) (Transform, error) {
	transform, ok := t[typ]
	if !ok {
		return nil, errors.Errorf("unknown chunk transform %d", typ)
	}
	return transform, nil
}

type identityTransform struct{}

func (identityTransform) Type() TransformType                { return TransformIdentity }
func (identityTransform) Encode(data []byte) []byte          { return data }
func (identityTransform) Decode(data []byte) ([]byte, error) { return data, nil }

type snappyTransform struct{}

func (snappyTransform) Type() TransformType { return TransformSnappy }

func (snappyTransform) Encode(data []byte) []byte {
	return snappy.Encode(nil, data)
}

func (snappyTransform) Decode(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}
