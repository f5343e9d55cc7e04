// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Code that reads the time or waits on it takes a [Clock] instead of
// calling the time package directly. Production wiring passes [Real];
// tests pass a [FakeClock] from [Fake] and move time with Advance.
//
// The keeper uses a Clock to stamp new entries and to schedule unlock
// backoff after failed passphrase attempts. The daemon uses one to
// drive the metrics textfile ticker.
package clock
