package stepper

// Task is a handle on an asynchronous move
type Task struct {
	c    *Controller
	gen  uint64
	done chan struct{}
	res  Result
	err  error
}

// Done is closed when the move has ended and its callback has returned
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the move ends and returns its result
func (t *Task) Wait() (Result, error) {
	<-t.done
	return t.res, t.err
}

// Cancel stops the move before its next step.  It does nothing if the move
// already ended, and never touches a later move.
func (t *Task) Cancel() {
	t.c.st.stopGen(t.gen)
}
