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

//go:build !unix

package transactionlog

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const lockFileName = "db.lock"

// dirLock only creates the lock file on platforms without flock.
type dirLock struct {
	file *os.File
}

func acquireDirLock(dir string) (*dirLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	return &dirLock{file: f}, nil
}

func (l *dirLock) release() error {
	return l.file.Close()
}
