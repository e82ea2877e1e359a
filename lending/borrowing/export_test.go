package borrowing

var (
	DecideRejectedReservation = decideRejectedReservation
	DecideRejectedReturn      = decideRejectedReturn
	DecideSweep               = decideSweep
)
