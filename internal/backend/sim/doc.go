// Package sim provides an in-process inference backend that derives mouth
// blend-shape weights from audio energy. It honours the same single
// execution context per instance constraint as the real model.
package sim
