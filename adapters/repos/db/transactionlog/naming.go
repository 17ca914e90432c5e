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
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	chunkFilePrefix = "chunk-"
	// scavenge output is written to <uuid>.scavenge.tmp before it is switched
	// in under its final name
	ScavengeTempSuffix = ".scavenge.tmp"
	tmpSuffix          = ".tmp"
)

func ChunkFileName(startNumber, version int) string {
	return fmt.Sprintf("%s%06d.%06d", chunkFilePrefix, startNumber, version)
}

func parseChunkFileName(name string) (startNumber, version int, ok bool) {
	name = filepath.Base(name)
	if !strings.HasPrefix(name, chunkFilePrefix) {
		return 0, 0, false
	}

	parts := strings.Split(strings.TrimPrefix(name, chunkFilePrefix), ".")
	if len(parts) != 2 {
		return 0, 0, false
	}

	start, err := strconv.Atoi(parts[0])
	if err != nil || start < 0 {
		return 0, 0, false
	}
	version, err = strconv.Atoi(parts[1])
	if err != nil || version < 0 {
		return 0, 0, false
	}
	return start, version, true
}
