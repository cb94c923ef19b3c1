// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is Warden's Matrix client. It covers the subset
// of the client-server API the bot needs: authenticated sessions,
// sending messages and file attachments, /sync long-polling, room
// membership, and profile lookups.
//
// Client holds the homeserver URL and HTTP transport; Session adds an
// access token. Errors from the homeserver are surfaced as
// *MatrixError with the errcode preserved, so callers can
// discriminate with errors.As or IsMatrixError.
package messaging
