// Package dedupe remembers recently seen inbound message ids so a chat
// transport that redelivers a message does not drive a conversation twice.
package dedupe
