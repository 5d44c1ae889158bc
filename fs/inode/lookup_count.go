// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package inode

import (
	"fmt"
	"log"
)

// LookupCount implements the kernel's lookup-count contract: ForgetInode
// and BatchForget decrement a per-inode count that started at one per
// successful lookup/mkdir/mknod reply; Destroy is called once it hits zero.
// External synchronization is required — callers hold the file system's
// Mu.
type LookupCount struct {
	count   uint64
	Destroy func() error
}

func (lc *LookupCount) Inc() {
	lc.count++
}

// Dec decrements the count by n and runs Destroy, logging but not
// propagating its error, once the count reaches zero.
func (lc *LookupCount) Dec(n uint64) (destroyed bool) {
	if n > lc.count {
		panic(fmt.Sprintf("n is greater than lookup count: %v vs. %v", n, lc.count))
	}

	lc.count -= n
	if lc.count == 0 {
		if lc.Destroy != nil {
			if err := lc.Destroy(); err != nil {
				log.Printf("Error destroying: %v", err)
			}
		}
		destroyed = true
	}

	return
}
