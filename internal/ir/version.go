package ir

// WireVersion tags every bus envelope. Receivers reject other versions
// rather than guess at a layout they do not know.
const WireVersion = "1"
