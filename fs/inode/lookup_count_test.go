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

package inode_test

import (
	"testing"

	"github.com/blockfuse/blockfuse/fs/inode"
	. "github.com/jacobsa/ogletest"
)

func TestLookupCount(t *testing.T) { RunTests(t) }

type LookupCountTest struct {
	destroyed int
	lc        inode.LookupCount
}

func init() { RegisterTestSuite(&LookupCountTest{}) }

func (t *LookupCountTest) SetUp(ti *TestInfo) {
	t.destroyed = 0
	t.lc = inode.LookupCount{}
	t.lc.Destroy = func() error {
		t.destroyed++
		return nil
	}
}

func (t *LookupCountTest) DestroyedOnceCountReachesZero() {
	t.lc.Inc()
	t.lc.Inc()

	destroyed := t.lc.Dec(1)
	ExpectFalse(destroyed)
	ExpectEq(0, t.destroyed)

	destroyed = t.lc.Dec(1)
	ExpectTrue(destroyed)
	ExpectEq(1, t.destroyed)
}

func (t *LookupCountTest) DecBeyondCountPanics() {
	t.lc.Inc()

	defer func() {
		r := recover()
		ExpectNe(nil, r)
	}()

	t.lc.Dec(2)
}

func (t *LookupCountTest) NilDestroyIsTolerated() {
	lc := inode.LookupCount{}
	lc.Inc()

	destroyed := lc.Dec(1)
	ExpectTrue(destroyed)
}
