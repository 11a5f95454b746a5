// Package engine wires the registry, budget tracker, converted-output
// cache, and the two queue runners behind one facade, which is the only
// surface callers touch.
package engine
