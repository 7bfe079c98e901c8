// Package engine executes messaging campaigns.
//
// Campaigns are admitted through a de-duplicating FIFO queue and drained one
// at a time (configurable). Each running campaign gets a delivery pool with
// one worker per assigned channel; workers race to claim recipients from a
// shared cursor over the snapshot of PENDING recipients taken at pool start,
// so every recipient is delivered by exactly one channel. Between sends each
// worker sleeps a jittered delay, decomposed into short poll ticks during
// which campaign status is re-read, which makes pause and cancel take effect
// within one tick. Failed sends are recorded and never retried.
package engine
