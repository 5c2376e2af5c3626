// Package jobs holds the domain types shared by the store, the trigger
// calculator, the executors and the scheduler: job and trigger records, their
// keys and states, and the error taxonomy.
package jobs
