// Package notifier mails operators about finished fires.
//
// Jobs opt in with a notify policy (error or all). The scheduler hands each
// matching outcome to Notify, which queues it; a small worker pool sends the
// mail through a Mailer under a token-bucket rate limit with retries.
// Identical notifications inside the dedup window are dropped so a job
// failing every second does not flood the inbox.
package notifier
