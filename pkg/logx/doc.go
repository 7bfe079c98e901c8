// Package logx is a thin zerolog wrapper shared by all herald components.
//
// It exists so components depend on a small, stable logging API rather than on
// zerolog directly, and so sinks/levels can be swapped at runtime (config
// reload) without re-plumbing loggers through the object graph.
package logx
