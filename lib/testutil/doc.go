// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for lair packages.
//
// [SocketDir] creates a short temporary directory for Unix domain
// sockets. sun_path is limited to 108 bytes and t.TempDir() paths can
// exceed that.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the select
// with a timeout fallback so tests never hang on a channel. They are the
// only place tests use wall-clock timeouts.
//
// [UniqueID] returns monotonically increasing identifiers for test
// disambiguation.
//
// All helpers call t.Fatalf on failure.
package testutil
