// Package logx is a thin zerolog wrapper with runtime-reconfigurable sinks.
//
// It exists so components can hold a Logger value that stays "live" across
// config reloads: the Service swaps the underlying zerolog root and every
// derived Logger picks up the new level/sinks immediately.
package logx
