// Package regulation implements a closed-loop regulation engine for laboratory
// instrumentation such as temperature or pressure control.
//
// A regulation Loop owns one Input (reads the process value) and one Output
// (acts on the process). Setting a new setpoint starts the regulation process
// if needed and ramps the working setpoint toward the target. The attached
// Controller may implement PID and ramping natively in hardware; every
// capability it does not implement is signalled with ErrUnsupported and
// transparently replaced by a software equivalent (SoftRamp for ramping,
// SoftLoop's PID task for regulation).
//
// A Loop can also be driven as a pseudo motion axis by a scan engine, with
// readiness derived either from ramp completion or from dwelling inside a
// deadband around the setpoint.
package regulation
