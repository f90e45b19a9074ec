// Package logx is a thin zerolog wrapper with a stable Field API.
//
// It exists so the rest of the codebase can log without importing zerolog
// directly, and so sinks/levels can be swapped at runtime (config hot
// reload) without rewiring every component.
package logx
