// Package musicgen contains the client for the music generation provider and the Service used by the player to request new tracks.
//
// Providers accept very few concurrent requests, so the Service routes every call to the provider through a sequential request queue.
// Generated tracks are kept in a TrackCache for a while, so identical prompts submitted by multiple listeners are only generated once.
package musicgen
