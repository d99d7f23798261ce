// Package logx is mvpbot's structured logging facade over zerolog.
//
// Console output stays human readable (short timestamp, file:line caller),
// the optional file sink is JSON, and the optional Telegram sink forwards
// warnings and errors subject to a minimum level and a rate limit.
package logx
