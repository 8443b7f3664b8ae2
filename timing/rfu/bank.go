package rfu

// RegisterBank maps an architectural register accessed by a warp onto a
// register file bank. The warp id, right-shifted by warpShift, staggers the
// mapping so consecutive warp groups spread the same register across banks.
// In the sub-core model the banks partition evenly among schedulers and the
// mapping stays inside the issuing scheduler's slice.
func RegisterBank(reg, warpID, numBanks, warpShift int, subCore bool, banksPerSched, schedID int) int {
	bank := reg + (warpID >> warpShift)
	if subCore {
		return bank%banksPerSched + schedID*banksPerSched
	}
	return bank % numBanks
}
