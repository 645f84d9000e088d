package logging

// Convenience package-level functions so call sites don't need to hold a
// *Logger. Each pair is a no-op when its category is disabled. Mirrors the
// teacher's logging.Session(...)/logging.SessionDebug(...) pattern.

func Boot(format string, args ...interface{})  { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

func Phase(format string, args ...interface{})      { Get(CategoryPhase).Info(format, args...) }
func PhaseDebug(format string, args ...interface{}) { Get(CategoryPhase).Debug(format, args...) }

func Scout(format string, args ...interface{})      { Get(CategoryScout).Info(format, args...) }
func ScoutDebug(format string, args ...interface{}) { Get(CategoryScout).Debug(format, args...) }

func Proposal(format string, args ...interface{})      { Get(CategoryProposal).Info(format, args...) }
func ProposalDebug(format string, args ...interface{}) { Get(CategoryProposal).Debug(format, args...) }

func Ticket(format string, args ...interface{})      { Get(CategoryTicket).Info(format, args...) }
func TicketDebug(format string, args ...interface{}) { Get(CategoryTicket).Debug(format, args...) }

func Agent(format string, args ...interface{})      { Get(CategoryAgent).Info(format, args...) }
func AgentDebug(format string, args ...interface{}) { Get(CategoryAgent).Debug(format, args...) }

func Worktree(format string, args ...interface{})      { Get(CategoryWorktree).Info(format, args...) }
func WorktreeDebug(format string, args ...interface{}) { Get(CategoryWorktree).Debug(format, args...) }

func Exec(format string, args ...interface{})      { Get(CategoryExec).Info(format, args...) }
func ExecDebug(format string, args ...interface{}) { Get(CategoryExec).Debug(format, args...) }

func Spindle(format string, args ...interface{})      { Get(CategorySpindle).Info(format, args...) }
func SpindleDebug(format string, args ...interface{}) { Get(CategorySpindle).Debug(format, args...) }

func QA(format string, args ...interface{})      { Get(CategoryQA).Info(format, args...) }
func QADebug(format string, args ...interface{}) { Get(CategoryQA).Debug(format, args...) }

func PR(format string, args ...interface{})      { Get(CategoryPR).Info(format, args...) }
func PRDebug(format string, args ...interface{}) { Get(CategoryPR).Debug(format, args...) }

func Dedup(format string, args ...interface{})      { Get(CategoryDedup).Info(format, args...) }
func DedupDebug(format string, args ...interface{}) { Get(CategoryDedup).Debug(format, args...) }

func Learnings(format string, args ...interface{})      { Get(CategoryLearnings).Info(format, args...) }
func LearningsDebug(format string, args ...interface{}) { Get(CategoryLearnings).Debug(format, args...) }

func Sector(format string, args ...interface{})      { Get(CategorySector).Info(format, args...) }
func SectorDebug(format string, args ...interface{}) { Get(CategorySector).Debug(format, args...) }

func Lock(format string, args ...interface{})      { Get(CategoryLock).Info(format, args...) }
func LockDebug(format string, args ...interface{}) { Get(CategoryLock).Debug(format, args...) }

func EventLog(format string, args ...interface{})      { Get(CategoryEventLog).Info(format, args...) }
func EventLogDebug(format string, args ...interface{}) { Get(CategoryEventLog).Debug(format, args...) }

func Persistence(format string, args ...interface{})      { Get(CategoryPersistence).Info(format, args...) }
func PersistenceDebug(format string, args ...interface{}) { Get(CategoryPersistence).Debug(format, args...) }

func Trajectory(format string, args ...interface{})      { Get(CategoryTrajectory).Info(format, args...) }
func TrajectoryDebug(format string, args ...interface{}) { Get(CategoryTrajectory).Debug(format, args...) }

func CLI(format string, args ...interface{})      { Get(CategoryCLI).Info(format, args...) }
func CLIDebug(format string, args ...interface{}) { Get(CategoryCLI).Debug(format, args...) }
