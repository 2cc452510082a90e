// Package conductor runs flows on behalf of jobs posted to a job board.
//
// A Conductor claims jobs, rebuilds each job's flow from its factory name
// and arguments, runs it and consumes the job once the flow reaches a
// terminal state. Step transitions are written to a LogBook while the flow
// runs, so a job whose conductor died mid-flow is recovered by the next
// claimant: the completed steps are compensated, then the flow starts
// over. The Client posts jobs.
package conductor
