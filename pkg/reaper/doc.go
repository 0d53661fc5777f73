/*
Package reaper recovers states whose workers vanished.

A lease is a QUEUED state; nothing but a worker commit (executed or errored)
moves it forward. When a worker crashes mid-lease the state would stay
QUEUED forever. The reaper periodically sweeps states that have been QUEUED
longer than the lease timeout and moves each back to CREATED, charging one
retry against the node's budget, or to ERRORED once the budget is spent.

Both transitions are compare-and-set from QUEUED, so a worker that commits
concurrently with a sweep always wins.
*/
package reaper
