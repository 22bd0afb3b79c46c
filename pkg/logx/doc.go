// Package logx is bilisub's structured logging on top of zerolog.
//
// Console output is human readable and the optional file sink is JSON.
// The Telegram sink posts warnings to the admin chat, one message per line
// with its fields sorted, under a rate limit.
package logx
