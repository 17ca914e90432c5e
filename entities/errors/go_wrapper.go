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

package errors

import (
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

// GoWrapper runs f on its own goroutine. A panic in f is logged instead of
// crashing the process, unless DISABLE_RECOVERY_ON_PANIC is set.
func GoWrapper(f func(), logger logrus.FieldLogger) {
	go func() {
		defer func() {
			if !recoveryDisabled() {
				if r := recover(); r != nil {
					logger.WithField("action", "goroutine_panic").
						Errorf("Recovered from panic: %v", r)
					debug.PrintStack()
				}
			}
		}()
		f()
	}()
}

func recoveryDisabled() bool {
	switch strings.ToLower(os.Getenv("DISABLE_RECOVERY_ON_PANIC")) {
	case "on", "enabled", "1", "true":
		return true
	default:
		return false
	}
}
